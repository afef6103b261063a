// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ssh-agent-mux/internal/instrument"
)

const (
	extensionQuery       = "query"
	extensionSessionBind = "session-bind@openssh.com"

	// Agent protocol message numbers used when building or inspecting raw
	// extension replies.
	msgAgentSuccess           = 6
	msgAgentExtensionResponse = 29
)

// supportedExtensions is the answer to the "query" extension.
var supportedExtensions = []string{extensionSessionBind}

// Session serves the agent protocol for one client connection.  Only
// List, Sign, Add, Lock, Unlock and the "query" and
// "session-bind@openssh.com" extensions are implemented; everything else
// fails with ErrUnsupportedOperation.
//
// Sessions are cheap: they carry the immutable roster and a pointer to
// the identity cache shared with every other session of the server.
type Session struct {
	ctx context.Context
	log *logging.Logger

	sockets         []string
	addedKeysSocket string
	timeout         time.Duration

	cache *identityCache
}

var _ agent.ExtendedAgent = (*Session)(nil)

// List returns the identities of every reachable upstream agent, in roster
// order, rebuilding the identity cache on the way.  Unreachable or failing
// upstreams are skipped; List itself never fails.
func (s *Session) List() ([]*agent.Key, error) {
	s.log.Debug("incoming: request_identities")
	instrument.ClientRequest("list")

	s.cache.Lock()
	defer s.cache.Unlock()
	return s.refreshLocked(), nil
}

// refreshLocked rebuilds the identity cache from scratch.  Must be called
// with the cache mutex held.  When several upstreams advertise the same
// key the last one in roster order owns it, and the key is listed once.
func (s *Session) refreshLocked() []*agent.Key {
	s.log.Debug("Refreshing identities")
	s.cache.reset()

	var identities []*agent.Key
	listed := make(map[string]struct{})
	for _, path := range s.sockets {
		var keys []*agent.Key
		err := s.call("list", path, func(c agent.ExtendedAgent) (err error) {
			keys, err = c.List()
			return
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			s.log.Warningf("Request identities timed out on upstream agent <%s>", path)
			continue
		case errors.Is(err, ErrTransport):
			s.log.Warningf("Ignoring missing upstream agent socket <%s>: %v", path, err)
			continue
		default:
			s.log.Warningf("Failed to request identities from upstream agent <%s>: %v", path, err)
			continue
		}

		for _, k := range keys {
			s.cache.record(k, path)
			if _, ok := listed[keyID(k)]; ok {
				continue
			}
			listed[keyID(k)] = struct{}{}
			identities = append(identities, k)
		}
		s.log.Debugf("Got %d identities from <%s>", len(keys), path)
	}

	instrument.IdentityRefresh(s.cache.len())
	return identities
}

// ownerOf returns the socket path of the upstream agent holding key,
// refreshing the cache once if the key is not known yet.
func (s *Session) ownerOf(key ssh.PublicKey) (string, bool) {
	s.cache.Lock()
	defer s.cache.Unlock()

	if path, ok := s.cache.lookup(key); ok {
		return path, true
	}
	s.log.Debug("Key not found, re-requesting keys from upstream agents")
	s.refreshLocked()
	return s.cache.lookup(key)
}

// Sign has the upstream agent holding key sign data.
func (s *Session) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return s.SignWithFlags(key, data, 0)
}

// SignWithFlags has the upstream agent holding key sign data.  The cache
// mutex is only held to find the owner, never while the upstream signs,
// and the request is never retried against another upstream.
func (s *Session) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	fingerprint := ssh.FingerprintSHA256(key)
	s.log.Debugf("incoming: sign(%s)", fingerprint)
	instrument.ClientRequest("sign")

	path, ok := s.ownerOf(key)
	if !ok {
		s.log.Errorf("No upstream agent found for public key %s", fingerprint)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
	}

	s.log.Infof("Requesting signature with key %s from upstream agent <%s>", fingerprint, path)
	var sig *ssh.Signature
	err := s.call("sign", path, func(c agent.ExtendedAgent) (err error) {
		sig, err = c.SignWithFlags(key, data, flags)
		return
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			s.log.Errorf("Sign request timed out on upstream agent <%s>", path)
		} else {
			s.log.Errorf("Sign request failed: %v", err)
		}
		return nil, err
	}
	return sig, nil
}

// Lock locks every upstream agent in roster order.
func (s *Session) Lock(passphrase []byte) error {
	s.log.Debug("incoming: lock")
	instrument.ClientRequest("lock")

	return s.broadcast("lock", func(c agent.ExtendedAgent) error {
		return c.Lock(passphrase)
	})
}

// Unlock unlocks every upstream agent in roster order.
func (s *Session) Unlock(passphrase []byte) error {
	s.log.Debug("incoming: unlock")
	instrument.ClientRequest("unlock")

	return s.broadcast("unlock", func(c agent.ExtendedAgent) error {
		return c.Unlock(passphrase)
	})
}

// broadcast runs fn against every upstream agent in roster order, stopping
// at the first failure.  Upstreams after the failing one are not contacted,
// so on error the lock state across upstreams is indeterminate.
func (s *Session) broadcast(op string, fn func(agent.ExtendedAgent) error) error {
	for _, path := range s.sockets {
		if err := s.call(op, path, fn); err != nil {
			if errors.Is(err, ErrTimeout) {
				s.log.Errorf("%s request timed out on upstream agent <%s>, aborting", op, path)
			} else {
				s.log.Errorf("%s request failed, aborting: %v", op, err)
			}
			return err
		}
		s.log.Infof("%s: done on upstream agent <%s>", op, path)
	}
	return nil
}

// Add forwards a new key to the upstream agent designated for new keys.
func (s *Session) Add(key agent.AddedKey) error {
	s.log.Debug("incoming: add_identity")
	instrument.ClientRequest("add")

	if s.addedKeysSocket == "" {
		s.log.Error("add_identity requested but no agent is configured for new keys")
		return ErrNotConfigured
	}

	s.log.Infof("Forwarding add_identity request to upstream agent <%s>", s.addedKeysSocket)
	return s.call("add", s.addedKeysSocket, func(c agent.ExtendedAgent) error {
		return c.Add(key)
	})
}

// Extension answers "query" locally and fans "session-bind@openssh.com"
// out to every upstream agent.  Any other extension is unsupported.
func (s *Session) Extension(extensionType string, contents []byte) ([]byte, error) {
	s.log.Debugf("incoming: extension(%s)", extensionType)
	instrument.ClientRequest("extension")

	switch extensionType {
	case extensionQuery:
		return queryResponse(), nil
	case extensionSessionBind:
		return nil, s.sessionBind(contents)
	default:
		return nil, agent.ErrExtensionUnsupported
	}
}

// sessionBind succeeds if at least one upstream agent accepted the
// binding.  Upstreams that are unreachable, slow, lack the extension or
// fail are skipped.
func (s *Session) sessionBind(contents []byte) error {
	succeeded := false
	for _, path := range s.sockets {
		var reply []byte
		err := s.call("extension", path, func(c agent.ExtendedAgent) (err error) {
			reply, err = c.Extension(extensionSessionBind, contents)
			return
		})
		switch {
		case err == nil:
			succeeded = true
			if len(reply) != 1 || reply[0] != msgAgentSuccess {
				s.log.Warningf("%s request succeeded on upstream agent <%s>, but an invalid response was received", extensionSessionBind, path)
			}
		case errors.Is(err, agent.ErrExtensionUnsupported):
		case errors.Is(err, ErrTimeout):
			s.log.Warningf("Extension request timed out on upstream agent <%s>", path)
		case errors.Is(err, ErrTransport):
			s.log.Warningf("Skipping unreachable upstream agent <%s>: %v", path, err)
		default:
			s.log.Errorf("Unexpected error on upstream agent <%s> when requesting %s: %v", path, extensionSessionBind, err)
		}
	}
	if !succeeded {
		return agent.ErrExtensionUnsupported
	}
	return nil
}

// queryResponse encodes the reply to the "query" extension: an extension
// response naming itself followed by each supported extension.
func queryResponse() []byte {
	b := []byte{msgAgentExtensionResponse}
	b = appendString(b, extensionQuery)
	for _, name := range supportedExtensions {
		b = appendString(b, name)
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// Remove is not supported; keys live in the upstream agents.
func (s *Session) Remove(key ssh.PublicKey) error {
	s.log.Debug("incoming: remove_identity (unsupported)")
	return ErrUnsupportedOperation
}

// RemoveAll is not supported; keys live in the upstream agents.
func (s *Session) RemoveAll() error {
	s.log.Debug("incoming: remove_all_identities (unsupported)")
	return ErrUnsupportedOperation
}

// Signers is not supported; the multiplexer holds no private keys.
func (s *Session) Signers() ([]ssh.Signer, error) {
	return nil, ErrUnsupportedOperation
}

// call connects to the upstream agent at path, runs fn against it under
// the session timeout and closes the connection.
func (s *Session) call(op, path string, fn func(agent.ExtendedAgent) error) error {
	u, err := dialUpstream(s.ctx, path, s.timeout)
	if err == nil {
		s.log.Debugf("Connected to upstream agent <%s>", path)
		err = u.do(op, fn)
		u.Close()
	}
	instrument.UpstreamCall(op, outcome(err))
	return err
}
