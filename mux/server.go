// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/net/netutil"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ssh-agent-mux/core/log"
	"github.com/katzenpost/ssh-agent-mux/core/worker"
	"github.com/katzenpost/ssh-agent-mux/internal/instrument"
)

// Config is the configuration of one multiplexer run.
type Config struct {
	// ListenPath is where the multiplexer's own agent socket is bound.
	ListenPath string

	// AgentSockets is the ordered roster of upstream agent sockets.
	AgentSockets []string

	// AddedKeysSocket is the upstream that receives added keys.  Empty
	// means adding keys is refused.
	AddedKeysSocket string

	// Timeout bounds every upstream connect and request.
	Timeout time.Duration

	// MaxSessions caps concurrently served client connections.  Zero
	// means no limit.
	MaxSessions int

	// LogBackend is the log backend.
	LogBackend *log.Backend
}

func (cfg *Config) validate() error {
	if cfg.ListenPath == "" {
		return errors.New("mux: no listen path")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("mux: invalid timeout %v", cfg.Timeout)
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("mux: invalid session limit %d", cfg.MaxSessions)
	}
	if cfg.LogBackend == nil {
		return errors.New("mux: no log backend")
	}
	return nil
}

// Server accepts agent protocol connections and serves each with a
// Session.  All sessions of a Server share one identity cache.
type Server struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	listener    *Listener
	netListener net.Listener
	cache       *identityCache

	connsLock sync.Mutex
	conns     map[string]net.Conn
	halting   bool

	fatalErrCh chan error
	haltOnce   sync.Once
}

// New binds the listening socket and starts accepting connections.
// Upstream requests made on behalf of clients are abandoned once ctx is
// done, but the server keeps running until Halt.
func New(ctx context.Context, cfg *Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		log:        cfg.LogBackend.GetLogger("mux"),
		cache:      newIdentityCache(),
		conns:      make(map[string]net.Conn),
		fatalErrCh: make(chan error, 1),
	}
	s.Init(ctx)

	if len(cfg.AgentSockets) == 0 {
		s.log.Warning("Mux agent running but no upstream agents configured")
	}
	s.log.Noticef("Starting agent for %d upstream agents; listening on <%s>", len(cfg.AgentSockets), cfg.ListenPath)
	s.log.Debugf("Upstream agent sockets: %v", cfg.AgentSockets)
	if cfg.AddedKeysSocket != "" {
		s.log.Noticef("add_identity requests will be forwarded to <%s>", cfg.AddedKeysSocket)
	}

	var err error
	s.listener, err = Listen(cfg.ListenPath)
	if err != nil {
		s.Worker.Halt()
		s.log.Errorf("Failed to open listening socket at <%s>", cfg.ListenPath)
		return nil, err
	}
	s.netListener = s.listener
	if cfg.MaxSessions > 0 {
		s.netListener = netutil.LimitListener(s.listener, cfg.MaxSessions)
	}

	s.Go(s.acceptWorker)
	return s, nil
}

// Run binds cfg.ListenPath and serves agent requests until ctx is done or
// accepting fails.  The socket file is removed before Run returns, on
// every path.  Cancellation is not an error.
func Run(ctx context.Context, cfg *Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Halt()

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.Err():
		return err
	}
}

// Halt stops accepting connections, removes the socket file, closes every
// client connection and waits for all sessions to finish.
func (s *Server) Halt() {
	s.haltOnce.Do(func() {
		s.connsLock.Lock()
		s.halting = true
		s.connsLock.Unlock()

		s.log.Debugf("Cleaning up socket <%s>", s.listener.Path())
		if err := s.listener.Close(); err != nil {
			s.log.Warningf("Failed to clean up socket <%s>: %v", s.listener.Path(), err)
		}

		s.connsLock.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connsLock.Unlock()

		s.Worker.Halt()
	})
}

// Err returns a channel receiving the error that stopped the accept loop,
// if it stops for any reason other than Halt.
func (s *Server) Err() <-chan error {
	return s.fatalErrCh
}

// Path returns the path of the listening socket.
func (s *Server) Path() string {
	return s.listener.Path()
}

func (s *Server) acceptWorker(context.Context) {
	s.log.Infof("Listening on <%s>", s.listener.Path())
	defer s.log.Infof("Stopped listening on <%s>", s.listener.Path())

	for {
		conn, err := s.netListener.Accept()
		if err != nil {
			if s.isHalting() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Errorf("Critical accept failure: %v", err)
			s.fatalErrCh <- err
			return
		}
		s.onNewConn(conn)
	}
}

func (s *Server) onNewConn(conn net.Conn) {
	id := uuid.New().String()

	s.connsLock.Lock()
	if s.halting {
		s.connsLock.Unlock()
		conn.Close()
		return
	}
	s.conns[id] = conn
	s.connsLock.Unlock()

	sess := s.newSession(id)
	s.Go(func(context.Context) {
		defer func() {
			s.connsLock.Lock()
			delete(s.conns, id)
			s.connsLock.Unlock()
			conn.Close()
			instrument.SessionClosed()
		}()
		instrument.SessionOpened()

		sess.log.Debug("Accepted new connection")
		err := agent.ServeAgent(sess, conn)
		switch {
		case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			sess.log.Debug("Connection closed")
		default:
			sess.log.Debugf("Connection terminated: %v", err)
		}
	})
}

func (s *Server) isHalting() bool {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()
	return s.halting
}

// newSession returns a Session sharing the server's roster and cache.
func (s *Server) newSession(id string) *Session {
	return &Session{
		ctx:             s.Context(),
		log:             s.cfg.LogBackend.GetLogger("session:" + id[:8]),
		sockets:         s.cfg.AgentSockets,
		addedKeysSocket: s.cfg.AddedKeysSocket,
		timeout:         s.cfg.Timeout,
		cache:           s.cache,
	}
}
