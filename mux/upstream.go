// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

// upstreamConn records the first I/O error seen on the connection.  The
// agent client flattens transport errors into strings, so this is the only
// way to tell a timeout or a dropped connection from an agent failure.
type upstreamConn struct {
	net.Conn

	err error
}

func (c *upstreamConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.record(err)
	return n, err
}

func (c *upstreamConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.record(err)
	return n, err
}

func (c *upstreamConn) record(err error) {
	if err != nil && c.err == nil {
		c.err = err
	}
}

// upstream is a single use connection to an upstream agent.
type upstream struct {
	path    string
	timeout time.Duration
	conn    *upstreamConn
	client  agent.ExtendedAgent
}

// dialUpstream connects to the agent listening on path.  The connection
// attempt is bounded by timeout, and is abandoned if ctx is done.
func dialUpstream(ctx context.Context, path string, timeout time.Duration) (*upstream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &UpstreamError{
			Op:   "connect",
			Path: path,
			Err:  err,
			kind: classify(err),
		}
	}
	c := &upstreamConn{Conn: conn}
	return &upstream{
		path:    path,
		timeout: timeout,
		conn:    c,
		client:  agent.NewClient(c),
	}, nil
}

// do runs one request against the upstream agent under a deadline of the
// configured timeout.
func (u *upstream) do(op string, fn func(agent.ExtendedAgent) error) error {
	if err := u.conn.SetDeadline(time.Now().Add(u.timeout)); err != nil {
		return &UpstreamError{Op: op, Path: u.path, Err: err, kind: ErrTransport}
	}
	err := fn(u.client)
	if err == nil {
		return nil
	}
	if ioErr := u.conn.err; ioErr != nil {
		return &UpstreamError{Op: op, Path: u.path, Err: ioErr, kind: classify(ioErr)}
	}
	return &UpstreamError{Op: op, Path: u.path, Err: err}
}

func (u *upstream) Close() error {
	return u.conn.Close()
}

// classify sorts a connection level error into ErrTimeout or ErrTransport.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	default:
		return ErrTransport
	}
}
