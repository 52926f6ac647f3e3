package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/bcmsync/internal/types"
)

// ErrCorruptDocument is returned when a persisted queue document cannot be decoded.
var ErrCorruptDocument = errors.New("corrupt queue document")

// Encode serializes mutations as the persisted queue document: a JSON array
// in queue order. HTML characters are not escaped so payload bytes are
// emitted exactly as stored.
func Encode(items []types.QueuedMutation) ([]byte, error) {
	if items == nil {
		items = []types.QueuedMutation{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a persisted queue document.
func Decode(data []byte) ([]types.QueuedMutation, error) {
	var items []types.QueuedMutation
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	for i, m := range items {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrCorruptDocument, i)
		}
	}
	return items, nil
}

// compactPayload validates payload as JSON and strips insignificant whitespace,
// so the in-memory copy is byte-identical to what a reload produces.
func compactPayload(payload []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrInvalidPayload
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
