// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	var w Worker
	var stopped atomic.Int32

	for i := 0; i < 4; i++ {
		w.Go(func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		})
	}

	w.Halt()
	require.Equal(t, int32(4), stopped.Load())
	require.ErrorIs(t, w.Context().Err(), context.Canceled)

	w.Halt()
}

func TestWorkerHaltWithoutGo(t *testing.T) {
	var w Worker
	w.Halt()
	require.Error(t, w.Context().Err())
}

func TestWorkerInitParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())

	var w Worker
	w.Init(parent)
	w.Init(context.Background())

	done := make(chan struct{})
	w.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker context not canceled with its parent")
	}
	w.Halt()
}
