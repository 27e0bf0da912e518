package reef

import (
	"context"
	"fmt"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/spore"
)

// HandlerFunc processes a spore on a channel worker.
type HandlerFunc func(ctx context.Context, s *spore.Spore) error

// AsyncHandlerFunc starts processing a spore and returns a channel that
// yields the outcome. A nil channel, or one closed without a value, means
// success.
type AsyncHandlerFunc func(ctx context.Context, s *spore.Spore) <-chan error

// Handler is a subscriber callback, either synchronous or asynchronous.
// Build one with Sync or Async.
type Handler struct {
	sync  HandlerFunc
	async AsyncHandlerFunc
}

// Sync wraps a synchronous handler.
func Sync(fn HandlerFunc) Handler {
	return Handler{sync: fn}
}

// Async wraps an asynchronous handler. Each invocation runs on its own
// goroutine and the worker waits for the completion signal.
func Async(fn AsyncHandlerFunc) Handler {
	return Handler{async: fn}
}

// IsAsync reports whether h was built with Async.
func (h Handler) IsAsync() bool {
	return h.async != nil
}

func (h Handler) valid() bool {
	return h.sync != nil || h.async != nil
}

// invoke runs h to completion. Panics become ErrHandlerFailure errors.
func (h Handler) invoke(ctx context.Context, s *spore.Spore) (err error) {
	if h.async != nil {
		return h.runAsync(ctx, s)
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return h.sync(ctx, s)
}

func (h Handler) runAsync(ctx context.Context, s *spore.Spore) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicError(r)
			}
		}()
		result := h.async(ctx, s)
		if result == nil {
			done <- nil
			return
		}
		done <- <-result
	}()
	return <-done
}

func panicError(r any) error {
	return fmt.Errorf("handler panicked: %v: %w", r, errors.ErrHandlerFailure)
}
