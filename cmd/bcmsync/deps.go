package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hyperengineering/bcmsync/internal/config"
	"github.com/hyperengineering/bcmsync/internal/dataservice"
	"github.com/hyperengineering/bcmsync/internal/deadletter"
	"github.com/hyperengineering/bcmsync/internal/queue"
	"github.com/hyperengineering/bcmsync/internal/slot"
	"github.com/hyperengineering/bcmsync/internal/slot/boltdb"
	"github.com/hyperengineering/bcmsync/internal/slot/redisslot"
	"github.com/hyperengineering/bcmsync/internal/store"
)

// slotHandle is a slot that owns a resource.
type slotHandle interface {
	slot.Slot
	io.Closer
}

// resources holds everything opened from configuration, closed in reverse
// order of opening.
type resources struct {
	slot        slotHandle
	deadLetters *store.SQLiteStore
	closers     []io.Closer
}

func (r *resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// openResources opens the queue slot and the dead-letter database. When
// both live in the same SQLite file it is opened once.
func openResources(cfg *config.Config) (*resources, error) {
	res := &resources{}

	var err error
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		res.slot, err = boltdb.Open(cfg.Storage.Path)
	case config.BackendSQLite:
		var db *store.SQLiteStore
		db, err = store.NewSQLiteStore(cfg.Storage.Path)
		if err == nil {
			res.slot = db
			if cfg.Storage.Path == cfg.DeadLetter.Path {
				res.deadLetters = db
			}
		}
	case config.BackendRedis:
		res.slot, err = redisslot.New(redisslot.Config{
			URL:              cfg.Storage.RedisURL,
			OperationTimeout: time.Duration(cfg.Storage.RedisTimeout),
			Prefix:           cfg.Storage.RedisPrefix,
		})
	case config.BackendMemory:
		res.slot = slot.NewMemory()
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s slot: %w", cfg.Storage.Backend, err)
	}
	res.closers = append(res.closers, res.slot)
	slog.Info("slot opened",
		"component", "storage",
		"backend", cfg.Storage.Backend,
		"path", cfg.Storage.Path,
	)

	if res.deadLetters == nil {
		db, err := store.NewSQLiteStore(cfg.DeadLetter.Path)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("open dead-letter store: %w", err)
		}
		res.deadLetters = db
		res.closers = append(res.closers, db)
	}

	return res, nil
}

// deadLetterSink returns the SQLite store, teed to S3 when a bucket is configured.
func deadLetterSink(cfg *config.Config, db *store.SQLiteStore) (queue.DeadLetterSink, error) {
	archive, err := deadletter.NewSink(cfg.DeadLetter)
	if err != nil {
		return nil, err
	}
	if archive == nil {
		return db, nil
	}
	slog.Info("dead-letter archive enabled",
		"component", "deadletter",
		"bucket", cfg.DeadLetter.Bucket,
		"endpoint", cfg.DeadLetter.Endpoint,
	)
	return deadletter.NewTee(db, archive), nil
}

// openQueue loads the persisted queue with dead-lettering wired in.
func openQueue(ctx context.Context, cfg *config.Config, res *resources, extra ...queue.Option) (*queue.Queue, error) {
	sink, err := deadLetterSink(cfg, res.deadLetters)
	if err != nil {
		return nil, err
	}
	opts := []queue.Option{
		queue.WithKey(cfg.Queue.Key),
		queue.WithDeadLetter(sink, cfg.Queue.MaxAttempts),
		queue.WithPermanentClassifier(dataservice.IsPermanent),
	}
	opts = append(opts, extra...)

	q, err := queue.New(ctx, res.slot, opts...)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func newGraphClient(cfg *config.Config) (*dataservice.GraphClient, error) {
	client, err := dataservice.New(dataservice.Config{
		BaseURL:   cfg.DataService.BaseURL,
		Token:     cfg.DataService.Token,
		Timeout:   time.Duration(cfg.DataService.Timeout),
		RateLimit: cfg.DataService.RateLimit,
		Burst:     cfg.DataService.Burst,
	})
	if errors.Is(err, dataservice.ErrNotConfigured) {
		return nil, fmt.Errorf("dataservice.base_url (BCMSYNC_GRAPH_BASE_URL) is required: %w", err)
	}
	return client, err
}
