// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package mux implements an SSH agent that forwards requests to several
// upstream SSH agents and presents their keys as one.
//
// Identity listings are merged from every reachable upstream in roster
// order.  Signing requests go to the upstream that last advertised the
// key, found through an identity cache shared by every client session.
// Lock and unlock are broadcast, and new keys are added to a single
// designated upstream.  Each upstream request uses a fresh connection
// bounded by a timeout, so a slow or missing agent never wedges a
// client.
package mux
