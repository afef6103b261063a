// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh/agent"

	"github.com/katzenpost/ssh-agent-mux/internal/instrument"
)

var (
	// ErrTimeout is matched by errors from upstream agents that did not
	// answer within the configured timeout.
	ErrTimeout = errors.New("mux: upstream agent timed out")

	// ErrTransport is matched by errors from upstream agents that could
	// not be reached, or that dropped the connection mid request.
	ErrTransport = errors.New("mux: upstream agent unreachable")

	// ErrNotFound is returned by Sign when no upstream agent advertises
	// the requested key, even after a refresh.
	ErrNotFound = errors.New("mux: no upstream agent found for public key")

	// ErrNotConfigured is returned by Add when no upstream agent is
	// designated to receive new keys.
	ErrNotConfigured = errors.New("mux: no upstream agent configured for new keys")

	// ErrUnsupportedOperation is returned for agent protocol requests
	// the multiplexer does not implement.
	ErrUnsupportedOperation = errors.New("mux: operation not supported")
)

// UpstreamError is an error from one operation on one upstream agent.
// Timeouts match ErrTimeout and connection failures match ErrTransport;
// anything else is a protocol level failure reported by the agent itself.
type UpstreamError struct {
	// Op is the operation, e.g. "connect" or "sign".
	Op string
	// Path is the upstream agent's socket path.
	Path string
	// Err is the underlying error.
	Err error

	kind error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mux: %s on upstream agent <%s>: %v", e.Op, e.Path, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	if e.kind == nil {
		return []error{e.Err}
	}
	return []error{e.kind, e.Err}
}

// Timeout reports whether the upstream agent failed to answer in time.
func (e *UpstreamError) Timeout() bool {
	return e.kind == ErrTimeout
}

// outcome maps an upstream call result to its metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return instrument.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return instrument.OutcomeTimeout
	case errors.Is(err, ErrTransport):
		return instrument.OutcomeUnreachable
	case errors.Is(err, agent.ErrExtensionUnsupported):
		return instrument.OutcomeUnsupported
	default:
		return instrument.OutcomeFailure
	}
}
