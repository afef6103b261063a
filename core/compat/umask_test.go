// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

//go:build unix

package compat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUmask(t *testing.T) {
	old := Umask(0077)
	defer Umask(old)

	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, nil, 0666))
	fi, err := os.Stat(p)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	require.Equal(t, 0077, Umask(0077))
}
