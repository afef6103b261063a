// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package mux

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// identityCache maps public keys to the socket path of the upstream agent
// that last advertised them.  One cache is shared by every session of a
// server.  Callers hold the mutex across a whole refresh so no session
// ever observes a partially rebuilt map.
type identityCache struct {
	sync.Mutex

	known map[string]string
}

func newIdentityCache() *identityCache {
	return &identityCache{
		known: make(map[string]string),
	}
}

// keyID is the cache key for k: its SSH wire encoding.
func keyID(k ssh.PublicKey) string {
	return string(k.Marshal())
}

// reset drops every entry.  Must be called with the mutex held.
func (c *identityCache) reset() {
	clear(c.known)
}

// record maps k to path, replacing any previous owner.  Must be called with
// the mutex held.
func (c *identityCache) record(k ssh.PublicKey, path string) {
	c.known[keyID(k)] = path
}

// lookup returns the socket path owning k.  Must be called with the mutex
// held.
func (c *identityCache) lookup(k ssh.PublicKey) (string, bool) {
	path, ok := c.known[keyID(k)]
	return path, ok
}

func (c *identityCache) len() int {
	return len(c.known)
}
