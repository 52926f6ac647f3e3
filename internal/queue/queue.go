// Package queue implements the offline mutation queue: write intents are
// persisted in arrival order and replayed against the data service when a
// sync is triggered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/bcmsync/internal/slot"
	"github.com/hyperengineering/bcmsync/internal/types"
)

// DefaultKey is the slot key the queue document is stored under.
const DefaultKey = "bcm.offline-queue"

var (
	ErrInvalidKind     = errors.New("invalid mutation kind")
	ErrInvalidTarget   = errors.New("mutation target is required")
	ErrInvalidPayload  = errors.New("mutation payload must be a JSON document")
	ErrMissingRecordID = errors.New("update and delete payloads require a record id")
	ErrDrainInProgress = errors.New("drain already in progress")
)

// State is the drain state machine.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// ServiceClient applies mutations against the backing data service.
// Each call is expected to be bounded by the client's own timeout.
type ServiceClient interface {
	CreateRecord(ctx context.Context, target string, payload json.RawMessage) error
	UpdateRecord(ctx context.Context, target, id string, values json.RawMessage) error
	DeleteRecord(ctx context.Context, target, id string) error
}

// DeadLetterSink receives mutations that will no longer be retried.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, m types.QueuedMutation, reason string) error
}

// Observer is notified of queue activity. Implementations must be cheap and non-blocking.
type Observer interface {
	MutationEnqueued(kind types.MutationKind)
	MutationApplied(kind types.MutationKind)
	MutationFailed(kind types.MutationKind)
	MutationDeadLettered(kind types.MutationKind)
	DrainCompleted(result DrainResult, elapsed time.Duration)
	PendingChanged(pending int)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted    int `json:"attempted"`
	Applied      int `json:"applied"`
	Requeued     int `json:"requeued"`
	DeadLettered int `json:"dead_lettered"`
	Abandoned    int `json:"abandoned"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey overrides DefaultKey.
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithObserver registers an activity observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithDeadLetter enables dead-lettering. A mutation that has failed
// maxAttempts times, or whose failure is classified permanent, is handed to
// sink instead of being requeued. maxAttempts <= 0 disables the attempt limit.
func WithDeadLetter(sink DeadLetterSink, maxAttempts int) Option {
	return func(q *Queue) {
		q.sink = sink
		q.maxAttempts = maxAttempts
	}
}

// WithPermanentClassifier marks service errors that can never succeed.
// Only consulted when a dead-letter sink is configured.
func WithPermanentClassifier(fn func(error) bool) Option {
	return func(q *Queue) { q.isPermanent = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a durable FIFO of pending mutations.
//
// The persisted document always holds the not-yet-attempted remainder of an
// in-flight drain followed by the live items, so a crash mid-drain loses
// nothing that was not acknowledged.
type Queue struct {
	mu         sync.Mutex
	items      []types.QueuedMutation
	inflight   []types.QueuedMutation
	generation uint64

	state atomic.Int32

	slot        slot.Slot
	key         string
	logger      *slog.Logger
	observer    Observer
	sink        DeadLetterSink
	maxAttempts int
	isPermanent func(error) bool
	now         func() time.Time
}

// New creates a queue persisted through s and loads any previously
// persisted document. A missing key is an empty queue.
func New(ctx context.Context, s slot.Slot, opts ...Option) (*Queue, error) {
	q := &Queue{
		slot:   s,
		key:    DefaultKey,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	items, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	q.items = items

	q.logger.Info("queue loaded",
		"component", "queue",
		"action", "queue_loaded",
		"key", q.key,
		"pending", len(items),
	)
	q.notifyPending(len(items))

	return q, nil
}

func (q *Queue) load(ctx context.Context) ([]types.QueuedMutation, error) {
	raw, err := q.slot.Get(ctx, q.key)
	if errors.Is(err, slot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	items, err := Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return items, nil
}

// Enqueue appends a mutation and persists the queue. Only malformed
// intents are rejected; a persistence failure is logged and the in-memory
// copy stays authoritative.
func (q *Queue) Enqueue(ctx context.Context, kind types.MutationKind, target string, payload json.RawMessage) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if target == "" {
		return "", ErrInvalidTarget
	}
	compact, err := compactPayload(payload)
	if err != nil {
		return "", err
	}
	if kind != types.KindCreate {
		ref, err := recordRef(compact)
		if err != nil {
			return "", err
		}
		if kind == types.KindUpdate && (len(ref.Values) == 0 || string(ref.Values) == "null") {
			return "", fmt.Errorf("%w: update payload requires values", ErrInvalidPayload)
		}
	}

	now := q.now().UTC()
	m := types.QueuedMutation{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:       kind,
		Target:     target,
		Payload:    compact,
		EnqueuedAt: now,
	}

	q.mu.Lock()
	q.items = append(q.items, m)
	_ = q.persistLocked(ctx)
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.MutationEnqueued(kind)
	}
	q.logger.Debug("mutation enqueued",
		"component", "queue",
		"action", "enqueue",
		"mutation_id", m.ID,
		"kind", kind,
		"target", target,
	)

	return m.ID, nil
}

// Drain applies every queued mutation in order. Mutations enqueued while
// the drain runs are left for the next drain. A failing mutation is
// requeued at the tail (or dead-lettered) and the drain moves on.
//
// Drain returns ErrDrainInProgress without side effects if another drain
// is running. If ctx is cancelled, or the client refuses a call because
// ctx's deadline is too close, the unattempted remainder is restored ahead
// of newer items and the context error is returned.
func (q *Queue) Drain(ctx context.Context, client ServiceClient) (DrainResult, error) {
	if !q.state.CompareAndSwap(int32(Idle), int32(Draining)) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.state.Store(int32(Idle))

	start := q.now()
	var result DrainResult
	// Persisting acknowledged progress must not be skipped because the caller gave up.
	persistCtx := context.WithoutCancel(ctx)

	q.mu.Lock()
	q.inflight = q.items
	q.items = nil
	gen := q.generation
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.generation != gen || len(q.inflight) == 0 {
			q.mu.Unlock()
			break
		}
		if ctx.Err() != nil {
			result.Abandoned = q.restoreLocked(persistCtx)
			q.mu.Unlock()
			return result, ctx.Err()
		}
		m := q.inflight[0]
		q.mu.Unlock()

		err := q.apply(ctx, client, m)
		if stop := interruption(ctx, err); stop != nil {
			q.mu.Lock()
			if q.generation == gen {
				result.Abandoned = q.restoreLocked(persistCtx)
			}
			q.mu.Unlock()
			return result, stop
		}
		result.Attempted++

		requeue := false
		if err == nil {
			result.Applied++
			if q.observer != nil {
				q.observer.MutationApplied(m.Kind)
			}
		} else {
			m.Attempts++
			m.LastError = err.Error()
			if q.observer != nil {
				q.observer.MutationFailed(m.Kind)
			}
			if q.deadLetter(ctx, m, err) {
				result.DeadLettered++
			} else {
				requeue = true
				result.Requeued++
			}
		}

		q.mu.Lock()
		if q.generation == gen {
			q.inflight = q.inflight[1:]
			if requeue {
				q.items = append(q.items, m)
			}
			_ = q.persistLocked(persistCtx)
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()

	elapsed := q.now().Sub(start)
	if q.observer != nil {
		q.observer.DrainCompleted(result, elapsed)
	}
	if result.Attempted > 0 {
		q.logger.Info("drain completed",
			"component", "queue",
			"action", "drain_complete",
			"attempted", result.Attempted,
			"applied", result.Applied,
			"requeued", result.Requeued,
			"dead_lettered", result.DeadLettered,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	return result, nil
}

// restoreLocked puts the unattempted remainder back ahead of newer items.
// Caller holds q.mu.
func (q *Queue) restoreLocked(ctx context.Context) int {
	n := len(q.inflight)
	restored := make([]types.QueuedMutation, 0, n+len(q.items))
	restored = append(restored, q.inflight...)
	restored = append(restored, q.items...)
	q.items = restored
	q.inflight = nil
	_ = q.persistLocked(ctx)

	if n > 0 {
		q.logger.Warn("drain abandoned",
			"component", "queue",
			"action", "drain_abandoned",
			"restored", n,
		)
	}
	return n
}

// interruption returns the context error that stopped an apply, or nil if
// err is an ordinary service failure. Clients may refuse a call they cannot
// finish before ctx's deadline while ctx.Err() is still nil.
func interruption(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return context.Canceled
	}
	return nil
}

func (q *Queue) apply(ctx context.Context, client ServiceClient, m types.QueuedMutation) error {
	switch m.Kind {
	case types.KindCreate:
		return client.CreateRecord(ctx, m.Target, m.Payload)
	case types.KindUpdate:
		ref, err := recordRef(m.Payload)
		if err != nil {
			return err
		}
		return client.UpdateRecord(ctx, m.Target, ref.ID, ref.Values)
	case types.KindDelete:
		ref, err := recordRef(m.Payload)
		if err != nil {
			return err
		}
		return client.DeleteRecord(ctx, m.Target, ref.ID)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
}

// deadLetter hands m to the sink when policy says it will never succeed.
// Returns true if the sink accepted it.
func (q *Queue) deadLetter(ctx context.Context, m types.QueuedMutation, cause error) bool {
	if q.sink == nil {
		q.logger.Warn("mutation failed, requeued",
			"component", "queue",
			"action", "requeue",
			"mutation_id", m.ID,
			"attempts", m.Attempts,
			"error", cause,
		)
		return false
	}

	var reason string
	switch {
	case errors.Is(cause, ErrInvalidKind), errors.Is(cause, ErrMissingRecordID), errors.Is(cause, ErrInvalidPayload):
		reason = "malformed mutation: " + cause.Error()
	case q.isPermanent != nil && q.isPermanent(cause):
		reason = "permanent failure: " + cause.Error()
	case q.maxAttempts > 0 && m.Attempts >= q.maxAttempts:
		reason = fmt.Sprintf("exceeded %d attempts: %s", q.maxAttempts, cause.Error())
	default:
		q.logger.Warn("mutation failed, requeued",
			"component", "queue",
			"action", "requeue",
			"mutation_id", m.ID,
			"attempts", m.Attempts,
			"error", cause,
		)
		return false
	}

	if err := q.sink.DeadLetter(ctx, m, reason); err != nil {
		q.logger.Error("dead letter sink failed, requeued",
			"component", "queue",
			"action", "dead_letter_failed",
			"mutation_id", m.ID,
			"error", err,
		)
		return false
	}

	if q.observer != nil {
		q.observer.MutationDeadLettered(m.Kind)
	}
	q.logger.Error("mutation dead-lettered",
		"component", "queue",
		"action", "dead_letter",
		"mutation_id", m.ID,
		"kind", m.Kind,
		"target", m.Target,
		"attempts", m.Attempts,
		"reason", reason,
	)
	return true
}

// Size returns the number of mutations not yet acknowledged, including the
// unattempted part of an in-flight drain.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight) + len(q.items)
}

// List returns a copy of the pending mutations in replay order.
func (q *Queue) List() []types.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueuedMutation, 0, len(q.inflight)+len(q.items))
	out = append(out, q.inflight...)
	out = append(out, q.items...)
	return out
}

// State reports whether a drain is running.
func (q *Queue) State() State {
	return State(q.state.Load())
}

// Clear discards every pending mutation without applying it and removes
// the persisted document. A mutation already handed to the service by an
// in-flight drain is not recalled.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	discarded := len(q.inflight) + len(q.items)
	q.items = nil
	q.inflight = nil
	q.generation++

	if err := q.persistLocked(ctx); err != nil {
		return err
	}

	if discarded > 0 {
		q.logger.Warn("queue cleared",
			"component", "queue",
			"action", "clear",
			"discarded", discarded,
		)
	}
	return nil
}

// persistLocked writes the full pending sequence to the slot. Caller holds q.mu,
// which keeps the queue the slot's only writer and orders its writes.
func (q *Queue) persistLocked(ctx context.Context) error {
	pending := len(q.inflight) + len(q.items)
	defer q.notifyPending(pending)

	var err error
	if pending == 0 {
		err = q.slot.Remove(ctx, q.key)
	} else {
		doc := make([]types.QueuedMutation, 0, pending)
		doc = append(doc, q.inflight...)
		doc = append(doc, q.items...)
		var data []byte
		data, err = Encode(doc)
		if err == nil {
			err = q.slot.Set(ctx, q.key, string(data))
		}
	}

	if err != nil {
		q.logger.Error("queue persist failed",
			"component", "queue",
			"action", "persist_failed",
			"key", q.key,
			"pending", pending,
			"error", err,
		)
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) notifyPending(n int) {
	if q.observer != nil {
		q.observer.PendingChanged(n)
	}
}

// recordRef extracts the record id from an update or delete payload.
// Excel row indexes may arrive as JSON numbers as well as strings.
func recordRef(payload json.RawMessage) (types.RecordRef, error) {
	var raw struct {
		ID     json.RawMessage `json:"id"`
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return types.RecordRef{}, fmt.Errorf("%w: %v", ErrMissingRecordID, err)
	}

	ref := types.RecordRef{Values: raw.Values}
	var s string
	var n json.Number
	switch {
	case len(raw.ID) == 0 || string(raw.ID) == "null":
	case json.Unmarshal(raw.ID, &s) == nil:
		ref.ID = s
	case json.Unmarshal(raw.ID, &n) == nil:
		ref.ID = n.String()
	}
	if ref.ID == "" {
		return ref, ErrMissingRecordID
	}
	return ref, nil
}
