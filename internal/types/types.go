package types

import (
	"encoding/json"
	"time"
)

// MutationKind identifies the write intent of a queued mutation
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// ValidKinds lists every accepted MutationKind in dispatch order.
var ValidKinds = []MutationKind{KindCreate, KindUpdate, KindDelete}

// IsValid reports whether k is one of the known mutation kinds.
func (k MutationKind) IsValid() bool {
	for _, v := range ValidKinds {
		if k == v {
			return true
		}
	}
	return false
}

// KindStrings returns ValidKinds as plain strings, for enum validation.
func KindStrings() []string {
	out := make([]string, len(ValidKinds))
	for i, k := range ValidKinds {
		out[i] = string(k)
	}
	return out
}

// QueuedMutation is a single pending write intent against a target table.
//
// Field names are part of the persisted document and must not change.
type QueuedMutation struct {
	ID         string          `json:"id"`
	Kind       MutationKind    `json:"kind"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// RecordRef is the shape of update and delete payloads.
// Values is only meaningful for updates.
type RecordRef struct {
	ID     string          `json:"id"`
	Values json.RawMessage `json:"values,omitempty"`
}

// DeadLetter is a mutation that was removed from the queue without being
// acknowledged by the data service.
type DeadLetter struct {
	ID             int64          `json:"id"`
	Mutation       QueuedMutation `json:"mutation"`
	Reason         string         `json:"reason"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

// Record is one row read back from a target table.
type Record struct {
	Index  int     `json:"index"`
	Values [][]any `json:"values"`
}

// EnqueueRequest is the body of POST /api/v1/mutations
type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueResponse is returned after a mutation has been accepted
type EnqueueResponse struct {
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}

// PendingResponse lists the mutations not yet acknowledged
type PendingResponse struct {
	Mutations []QueuedMutation `json:"mutations"`
	Pending   int              `json:"pending"`
}

// CountResponse carries the pending-changes indicator
type CountResponse struct {
	Pending int `json:"pending"`
}

// SyncRequest is the body of POST /api/v1/sync
type SyncRequest struct {
	Reason string `json:"reason"`
}

// SyncResponse acknowledges a sync trigger
type SyncResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	State    string `json:"state"`
}

// DeadLettersResponse lists dead-lettered mutations
type DeadLettersResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
	Total       int          `json:"total"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Pending    int    `json:"pending"`
	QueueState string `json:"queue_state"`
	Online     bool   `json:"online"`
}
