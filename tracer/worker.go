//go:build linux && amd64

package tracer

import (
	"fmt"
	"runtime"
)

// ptrace requests are only accepted from the thread that attached, so every
// call goes through one goroutine locked to its OS thread.

type result struct {
	v   any
	err error
}

type request struct {
	run  func() (any, error)
	resp chan result
}

type worker struct {
	req  chan request
	done chan struct{}

	// xstateSize is only touched on the worker goroutine.
	xstateSize int
}

func newWorker() *worker {
	w := &worker{
		req:  make(chan request),
		done: make(chan struct{}),
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(w.done)

		for q := range w.req {
			var out any
			var err error
			func() {
				defer func() {
					if x := recover(); x != nil {
						err = fmt.Errorf("ptrace worker: %v", x)
					}
				}()
				out, err = q.run()
			}()
			q.resp <- result{out, err}
			close(q.resp)
		}
	}()

	return w
}

func (w *worker) close() {
	close(w.req)
	<-w.done
}

func call[T any](w *worker, fn func() (T, error)) (T, error) {
	resp := make(chan result, 1)
	w.req <- request{
		run:  func() (any, error) { v, err := fn(); return v, err },
		resp: resp,
	}
	r := <-resp
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.v.(T), nil
}

func callErr(w *worker, fn func() error) error {
	_, err := call(w, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
