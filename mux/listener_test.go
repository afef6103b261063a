// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenCreatesParentsAndCloseRemovesSocket(t *testing.T) {
	t.Parallel()
	dir := socketDir(t)
	p := filepath.Join(dir, "state", "mux", "agent.sock")

	l, err := Listen(p)
	require.NoError(t, err)
	require.Equal(t, p, l.Path())

	fi, err := os.Stat(filepath.Dir(p))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), fi.Mode().Perm())

	fi, err = os.Lstat(p)
	require.NoError(t, err)
	require.Equal(t, os.ModeSocket, fi.Mode().Type())

	done := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		done <- err
	}()

	require.NoError(t, l.Close())
	require.ErrorIs(t, <-done, net.ErrClosed)
	require.NoFileExists(t, p)

	require.NoError(t, l.Close())
}

func TestListenPathInUse(t *testing.T) {
	t.Parallel()
	dir := socketDir(t)
	p := filepath.Join(dir, "agent.sock")

	l, err := Listen(p)
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(p)
	require.Error(t, err)

	// The failed bind must not have removed the live socket.
	conn, err := net.Dial("unix", p)
	require.NoError(t, err)
	conn.Close()
}

func TestListenDoesNotReplaceExistingFile(t *testing.T) {
	t.Parallel()
	dir := socketDir(t)
	p := filepath.Join(dir, "agent.sock")
	require.NoError(t, os.WriteFile(p, []byte("stale"), 0600))

	_, err := Listen(p)
	require.Error(t, err)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "stale", string(b))
}

func TestListenerCloseToleratesRemovedFile(t *testing.T) {
	t.Parallel()
	dir := socketDir(t)
	p := filepath.Join(dir, "agent.sock")

	l, err := Listen(p)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))
	require.NoError(t, l.Close())
}
