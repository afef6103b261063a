// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/katzenpost/ssh-agent-mux/core/log"
)

const testTimeout = 2 * time.Second

// socketDir returns a short temporary directory; t.TempDir paths can
// exceed the Unix socket path limit for long test names.
func socketDir(t *testing.T) string {
	d, err := os.MkdirTemp("", "mux")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(d) })
	return d
}

func testLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

type testKey struct {
	added agent.AddedKey
	pub   ssh.PublicKey
}

func newTestKey(t *testing.T, comment string) testKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(priv.Public())
	require.NoError(t, err)
	return testKey{
		added: agent.AddedKey{PrivateKey: priv, Comment: comment},
		pub:   pub,
	}
}

// testUpstream serves an agent.Agent on a Unix socket, standing in for an
// independently running upstream agent.
type testUpstream struct {
	t     *testing.T
	path  string
	agent agent.Agent

	// accepted counts every connection the upstream accepted.
	accepted atomic.Int32

	lock     sync.Mutex
	listener net.Listener
	conns    []net.Conn
	wg       sync.WaitGroup
}

func newTestUpstream(t *testing.T, dir, name string, a agent.Agent, keys ...testKey) *testUpstream {
	if a == nil {
		a = agent.NewKeyring()
	}
	for _, k := range keys {
		require.NoError(t, a.Add(k.added))
	}
	u := &testUpstream{
		t:     t,
		path:  filepath.Join(dir, name+".sock"),
		agent: a,
	}
	u.start()
	t.Cleanup(u.stop)
	return u
}

func (u *testUpstream) start() {
	l, err := net.Listen("unix", u.path)
	require.NoError(u.t, err)

	u.lock.Lock()
	u.listener = l
	u.lock.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			u.accepted.Add(1)
			u.lock.Lock()
			u.conns = append(u.conns, conn)
			u.lock.Unlock()

			u.wg.Add(1)
			go func() {
				defer u.wg.Done()
				defer conn.Close()
				agent.ServeAgent(u.agent, conn)
			}()
		}
	}()
}

// stop closes the listener and every connection, and removes the socket.
func (u *testUpstream) stop() {
	u.lock.Lock()
	if u.listener != nil {
		u.listener.Close()
		u.listener = nil
	}
	for _, c := range u.conns {
		c.Close()
	}
	u.conns = nil
	u.lock.Unlock()

	u.wg.Wait()
	os.Remove(u.path)
}

func (u *testUpstream) keys() []*agent.Key {
	keys, err := u.agent.List()
	require.NoError(u.t, err)
	return keys
}

// hangingUpstream accepts connections and never answers.
func hangingUpstream(t *testing.T, dir, name string) string {
	p := filepath.Join(dir, name+".sock")
	l, err := net.Listen("unix", p)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var lock sync.Mutex
	var conns []net.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			lock.Lock()
			conns = append(conns, conn)
			lock.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		lock.Lock()
		for _, c := range conns {
			c.Close()
		}
		lock.Unlock()
		wg.Wait()
	})
	return p
}

// extensionAgent wraps a keyring and answers extension requests with a
// fixed reply.
type extensionAgent struct {
	agent.ExtendedAgent

	reply []byte
	err   error
	calls atomic.Int32
}

func newExtensionAgent(reply []byte, err error) *extensionAgent {
	return &extensionAgent{
		ExtendedAgent: agent.NewKeyring().(agent.ExtendedAgent),
		reply:         reply,
		err:           err,
	}
}

func (a *extensionAgent) Extension(extensionType string, contents []byte) ([]byte, error) {
	a.calls.Add(1)
	if extensionType != extensionSessionBind {
		return nil, agent.ErrExtensionUnsupported
	}
	return a.reply, a.err
}

var errTestExtension = errors.New("extension exploded")

func newTestSession(t *testing.T, timeout time.Duration, addedKeysSocket string, sockets ...string) *Session {
	return &Session{
		ctx:             context.Background(),
		log:             testLogBackend(t).GetLogger("session"),
		sockets:         sockets,
		addedKeysSocket: addedKeysSocket,
		timeout:         timeout,
		cache:           newIdentityCache(),
	}
}

func (s *Session) cachedOwner(k ssh.PublicKey) (string, bool) {
	s.cache.Lock()
	defer s.cache.Unlock()
	return s.cache.lookup(k)
}

func blobs(keys []*agent.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(k.Blob))
	}
	return out
}

func blobsOf(keys ...testKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(k.pub.Marshal()))
	}
	return out
}

// gatedAgent wraps a keyring and parks List or signing requests until its
// gate is opened.
type gatedAgent struct {
	agent.ExtendedAgent

	gateList bool
	gateSign bool

	entered  chan struct{}
	gate     chan struct{}
	openOnce sync.Once
}

// newGatedUpstream serves a gatedAgent holding keys.  The gate is opened
// on cleanup, before the upstream stops.
func newGatedUpstream(t *testing.T, dir, name string, gateList, gateSign bool, keys ...testKey) (*testUpstream, *gatedAgent) {
	g := &gatedAgent{
		ExtendedAgent: agent.NewKeyring().(agent.ExtendedAgent),
		gateList:      gateList,
		gateSign:      gateSign,
		entered:       make(chan struct{}, 1),
		gate:          make(chan struct{}),
	}
	u := newTestUpstream(t, dir, name, g, keys...)
	t.Cleanup(g.open)
	return u, g
}

func (a *gatedAgent) wait(gated bool) {
	if !gated {
		return
	}
	select {
	case a.entered <- struct{}{}:
	default:
	}
	<-a.gate
}

func (a *gatedAgent) open() {
	a.openOnce.Do(func() { close(a.gate) })
}

// waitEntered blocks until a gated request reached the agent.
func (a *gatedAgent) waitEntered(t *testing.T) {
	select {
	case <-a.entered:
	case <-time.After(testTimeout):
		t.Fatal("no request reached the gated agent")
	}
}

func (a *gatedAgent) List() ([]*agent.Key, error) {
	a.wait(a.gateList)
	return a.ExtendedAgent.List()
}

func (a *gatedAgent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return a.SignWithFlags(key, data, 0)
}

func (a *gatedAgent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	a.wait(a.gateSign)
	return a.ExtendedAgent.SignWithFlags(key, data, flags)
}

// signAsync signs data with k on s in a new go routine and reports the
// verified result.
func signAsync(s *Session, k testKey, data []byte) <-chan error {
	ch := make(chan error, 1)
	go func() {
		sig, err := s.Sign(k.pub, data)
		if err == nil {
			err = k.pub.Verify(data, sig)
		}
		ch <- err
	}()
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * testTimeout):
		t.Fatal("timed out waiting for a result")
		panic("unreachable")
	}
}
