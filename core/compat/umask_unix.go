// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

//go:build unix

// Package compat hides platform differences from the rest of ssh-agent-mux.
package compat

import "golang.org/x/sys/unix"

// Umask sets the process file mode creation mask and returns the previous
// one.
func Umask(mask int) int {
	return unix.Umask(mask)
}
