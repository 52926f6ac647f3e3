// Package boltdb implements slot.Slot on a local bbolt database file.
package boltdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hyperengineering/bcmsync/internal/slot"
)

var bucketSlots = []byte("slots")

// openTimeout bounds how long Open waits for the file lock held by another process.
const openTimeout = time.Second

// Slot stores slot values in a single bbolt bucket.
type Slot struct {
	db *bbolt.DB
}

// Open opens (or creates) the bbolt file at path.
// Only one process may hold the file at a time.
func Open(path string) (*Slot, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create slot directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSlots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create slots bucket: %w", err)
	}

	return &Slot{db: db}, nil
}

// Close closes the database file.
func (s *Slot) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements slot.Slot.
func (s *Slot) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSlots)
		if bucket == nil {
			return slot.ErrNotFound
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return slot.ErrNotFound
		}
		// bbolt memory is only valid inside the transaction
		value = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set implements slot.Slot.
func (s *Slot) Set(ctx context.Context, key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketSlots)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set slot %q: %w", key, err)
	}
	return nil
}

// Remove implements slot.Slot.
func (s *Slot) Remove(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSlots)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("remove slot %q: %w", key, err)
	}
	return nil
}
