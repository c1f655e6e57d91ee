package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("worker stopped")

// vmRequest represents a unit of work to be executed on a worker goroutine.
type vmRequest struct {
	ctx  context.Context
	fn   func(context.Context) interface{}
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value interface{}
	err   error
}

// VMWorker runs programs on a fixed pool of goroutines so that the number
// of machines alive at once (and the heap memory they hold) is bounded no
// matter how many requests arrive.
type VMWorker struct {
	requests chan vmRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewVMWorker creates a VMWorker with n goroutines.
func NewVMWorker(n int) *VMWorker {
	if n < 1 {
		n = 1
	}
	w := &VMWorker{
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.loop()
	}
	return w
}

// loop processes requests sequentially on one pool goroutine.
func (w *VMWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.requests:
			result := w.execute(req)
			req.done <- result
		case <-w.quit:
			return
		}
	}
}

// execute runs a request, recovering from panics.
func (w *VMWorker) execute(req vmRequest) vmResult {
	var result vmResult
	if err := req.ctx.Err(); err != nil {
		// Expired while queued.
		result.err = err
		return result
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("worker panic: %v", r)
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = req.fn(req.ctx)
	}()
	return result
}

// Do submits fn to the pool and blocks until it completes or ctx is done.
// fn receives ctx and is expected to honor its cancellation.
func (w *VMWorker) Do(ctx context.Context, fn func(context.Context) interface{}) (interface{}, error) {
	req := vmRequest{
		ctx:  ctx,
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case <-w.quit:
		return nil, ErrStopped
	default:
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}

	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}
}

// Stop shuts down the pool and waits for running work to finish.
func (w *VMWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.wg.Wait()
}
