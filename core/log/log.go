// log.go - Logging backend.
// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend shared by every ssh-agent-mux
// component, based around the go-logging package.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// Backend is a log backend.  It is safe to swap the underlying output
// (see Rotate) while loggers obtained from GetLogger are in use.
type Backend struct {
	sync.RWMutex

	backend logging.LeveledBackend
	w       io.WriteCloser
	out     io.Writer

	file    string
	level   string
	disable bool
}

// Log is used to log a message as per the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.backend.Log(level, calldepth, record)
}

// GetLevel returns the logging level for the specified module as per the
// logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.backend.GetLevel(module)
}

// SetLevel sets the logging level for the specified module.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.backend.SetLevel(level, module)
}

// IsEnabledFor returns true if the logger is enabled for the given level.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file, and should be invoked after an external
// tool has moved the old one aside (typically on SIGHUP).
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.newBackend()
}

// Reopen switches the backend to the file f, or to stdout if f is empty,
// and to level.  The backend is left untouched if level is invalid.
func (b *Backend) Reopen(f, level string) error {
	if _, err := ParseLevel(level); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	b.file, b.level = f, level
	return b.newBackend()
}

// Close releases the log file, if any.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	return b.w.Close()
}

func (b *Backend) newBackend() error {
	lvl, err := ParseLevel(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.out != nil:
		b.w = nopCloser{b.out}
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		const (
			dirMode  = 0700
			fileMode = 0600
		)
		if err := os.MkdirAll(filepath.Dir(b.file), dirMode); err != nil {
			return fmt.Errorf("log: failed to create log directory: %v", err)
		}
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		f, err := os.OpenFile(b.file, flags, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to create log file: %v", err)
		}
		b.w = f
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")
	return nil
}

// New initializes a logging backend writing to the file f, or to stdout if
// f is empty.  If disable is set all output is discarded.
func New(f string, level string, disable bool) (*Backend, error) {
	b := &Backend{
		file:    f,
		level:   level,
		disable: disable,
	}
	if err := b.newBackend(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewWithWriter initializes a logging backend writing to w.  Rotate is a
// no-op on such a backend.
func NewWithWriter(w io.Writer, level string) (*Backend, error) {
	b := &Backend{
		level: level,
		out:   w,
	}
	if err := b.newBackend(); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseLevel maps a configured level name to a go-logging level.  The
// shorthand "warn" and the finer "trace" are accepted for compatibility
// with other agent tooling; go-logging has no level below DEBUG.
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARN", "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG", "TRACE":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
