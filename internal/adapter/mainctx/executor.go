// Package mainctx serializes work that touches live game objects onto one goroutine.
package mainctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
)

var ErrStopped = errors.New("main context stopped")

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Executor runs submitted functions one at a time, in submission order.
type Executor struct {
	queue   chan task
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	log     *logger.Logger
}

func NewExecutor(queueSize int, log *logger.Logger) *Executor {
	e := &Executor{
		queue:   make(chan task, queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer close(e.stopped)
	for {
		select {
		case t := <-e.queue:
			t.done <- e.exec(t)
		case <-e.quit:
			// fail whatever is still queued
			for {
				select {
				case t := <-e.queue:
					t.done <- ErrStopped
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) exec(t task) (err error) {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic on main context", "panic", r)
			err = fmt.Errorf("panic on main context: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

// Run queues fn and waits for its result. A ctx cancelled before fn is
// queued stops the wait. Once queued, Run always reports what fn did; a
// task whose ctx is cancelled before it starts is skipped with ctx.Err().
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-e.quit:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- t:
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-e.stopped:
		select {
		case err := <-t.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stop drains the loop; pending tasks fail with ErrStopped.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.quit) })
	<-e.stopped
}
