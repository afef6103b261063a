// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports ssh-agent-mux metrics to prometheus.
package instrument

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

// Upstream call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeUnreachable = "unreachable"
	OutcomeFailure     = "failure"
	OutcomeUnsupported = "unsupported"
)

var (
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssh_agent_mux_client_requests_total",
			Help: "Number of agent protocol requests received from clients",
		},
		[]string{"operation"},
	)
	upstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssh_agent_mux_upstream_calls_total",
			Help: "Number of calls made to upstream agents, by outcome",
		},
		[]string{"operation", "outcome"},
	)
	identityRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssh_agent_mux_identity_refreshes_total",
			Help: "Number of full identity cache refreshes",
		},
	)
	knownIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssh_agent_mux_known_identities",
			Help: "Number of public keys in the identity cache after the last refresh",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssh_agent_mux_active_sessions",
			Help: "Number of client connections currently being served",
		},
	)
)

func init() {
	prometheus.MustRegister(clientRequests)
	prometheus.MustRegister(upstreamCalls)
	prometheus.MustRegister(identityRefreshes)
	prometheus.MustRegister(knownIdentities)
	prometheus.MustRegister(activeSessions)
}

// ClientRequest counts a request received from a client.
func ClientRequest(operation string) {
	clientRequests.With(prometheus.Labels{"operation": operation}).Inc()
}

// UpstreamCall counts a call made to an upstream agent.
func UpstreamCall(operation, outcome string) {
	upstreamCalls.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
}

// IdentityRefresh records a completed refresh that left n keys cached.
func IdentityRefresh(n int) {
	identityRefreshes.Inc()
	knownIdentities.Set(float64(n))
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	activeSessions.Dec()
}

// Serve exposes the registered metrics at /metrics on address until ctx is
// done.  It returns once the HTTP server has shut down.
func Serve(ctx context.Context, address string, log *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Noticef("Serving metrics on http://%s/metrics", address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
