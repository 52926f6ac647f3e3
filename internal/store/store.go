package store

import (
	"context"

	"github.com/hyperengineering/bcmsync/internal/types"
)

// DeadLetterStore defines the dead-letter operations exposed to the API and CLI.
type DeadLetterStore interface {
	DeadLetter(ctx context.Context, m types.QueuedMutation, reason string) error
	ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*types.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id int64) error
	CountDeadLetters(ctx context.Context) (int, error)
}
