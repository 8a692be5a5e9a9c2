package queue

import (
	"context"
	"errors"
)

// Drain receives from c and hands every message to fn, committing it when
// fn succeeds. It returns nil once c is exhausted, and the first error from
// Receive, fn or Commit otherwise.
func Drain[T any](ctx context.Context, c Consumer[T], fn func(Message[T]) error) error {
	for {
		msg, err := c.Receive(ctx)
		if errors.Is(err, ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
		if err := c.Commit(ctx, msg); err != nil {
			return err
		}
	}
}
