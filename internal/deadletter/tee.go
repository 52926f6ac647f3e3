package deadletter

import (
	"context"
	"errors"

	"github.com/hyperengineering/bcmsync/internal/queue"
	"github.com/hyperengineering/bcmsync/internal/types"
)

// Tee delivers each dead letter to every sink. Nil sinks are skipped.
type Tee []queue.DeadLetterSink

// NewTee builds a Tee from the non-nil sinks.
func NewTee(sinks ...queue.DeadLetterSink) Tee {
	var t Tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	return t
}

// DeadLetter implements queue.DeadLetterSink. Every sink is tried; the
// joined error is returned if any of them fails.
func (t Tee) DeadLetter(ctx context.Context, m types.QueuedMutation, reason string) error {
	var errs []error
	for _, s := range t {
		if err := s.DeadLetter(ctx, m, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
