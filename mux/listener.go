// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Listener is a Unix socket listener that owns its socket file: Close
// always removes the file, whichever path led to the Close.
//
// Listen does not try to detect or remove a stale socket left behind by a
// process that died without cleaning up; binding over any existing file
// fails, and the user has to remove it.
type Listener struct {
	*net.UnixListener

	path string

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a Unix socket at path, creating missing parent directories.
func Listen(path string) (*Listener, error) {
	const dirMode = 0700
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("mux: failed to create socket directory: %w", err)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("mux: failed to open listening socket at <%s>: %w", path, err)
	}
	l.SetUnlinkOnClose(false)

	return &Listener{
		UnixListener: l,
		path:         path,
	}, nil
}

// Path returns the socket file path.
func (l *Listener) Path() string {
	return l.path
}

// Close stops listening and removes the socket file.  It is safe to call
// Close more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.UnixListener.Close()
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}
