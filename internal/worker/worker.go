// Package worker provides the background-goroutine lifecycle embed used
// by the service loop that drives the thinker scheduler (netsock.Service).
// Reconstructed from every call site of
// the teacher's core/worker.Worker in this codebase: Go launches a
// goroutine tracked by a WaitGroup, Halt closes a shared channel exactly
// once, HaltCh lets a loop select on shutdown, and Wait blocks until all
// launched goroutines have returned.
package worker

import "sync"

// Worker is embedded by value in types that own one or more background
// goroutines.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
	initOnce sync.Once
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go launches fn in a new goroutine tracked by this Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Halt signals all goroutines launched via Go to stop. Safe to call more
// than once.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine launched via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Done is a convenience a goroutine's defer can call; present for
// readability at call sites that mirror the teacher's reader()/writer()
// loops ("defer s.Done()"-shaped code), even though Go's own deferred
// wg.Done already covers correctness.
func (w *Worker) Done() {}
