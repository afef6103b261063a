// worker.go - Background worker tasks.
// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background worker tasks bound to a context.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines sharing one context,
// which is canceled by Halt.  The zero value is ready to use and runs
// under context.Background.
type Worker struct {
	wg       sync.WaitGroup
	initOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// Init derives the worker's context from parent.  It only has an effect
// when called before any other method.
func (w *Worker) Init(parent context.Context) {
	w.initOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(parent)
	})
}

func (w *Worker) init() {
	w.Init(context.Background())
}

// Go runs fn in a new go routine.  fn must return once ctx is done.
func (w *Worker) Go(fn func(ctx context.Context)) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

// Context returns the context passed to every go routine of the worker.
func (w *Worker) Context() context.Context {
	w.init()
	return w.ctx
}

// Halt cancels the worker's context and waits until every go routine has
// returned.  Halt may be called more than once.
func (w *Worker) Halt() {
	w.init()
	w.cancel()
	w.wg.Wait()
}
