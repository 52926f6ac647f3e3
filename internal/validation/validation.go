package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/bcmsync/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// Request limits for the local API.
const (
	MaxTargetLength = 255
	MaxPayloadBytes = 1 << 20
	MaxListLimit    = 1000
)

// SyncReasons are the accepted values of SyncRequest.Reason.
var SyncReasons = []string{"focus", "online", "manual"}

// ValidateEnqueueRequest checks a mutation before it reaches the queue.
// Update and delete payloads must carry a record id; updates also need values.
func ValidateEnqueueRequest(req types.EnqueueRequest) []ValidationError {
	var c Collector

	if err := ValidateRequired("kind", req.Kind); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateEnum("kind", req.Kind, types.KindStrings()))
	}

	if err := ValidateRequired("target", req.Target); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateUTF8("target", req.Target))
		c.Add(ValidateNoNullBytes("target", req.Target))
		c.Add(ValidateMaxLength("target", req.Target, MaxTargetLength))
	}

	c.Add(validatePayload(types.MutationKind(req.Kind), req.Payload))

	return c.Errors()
}

func validatePayload(kind types.MutationKind, payload json.RawMessage) *ValidationError {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return &ValidationError{Field: "payload", Message: "is required"}
	}
	if len(payload) > MaxPayloadBytes {
		return &ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
		}
	}
	if !json.Valid(payload) {
		return &ValidationError{Field: "payload", Message: "must be valid JSON"}
	}
	if kind != types.KindUpdate && kind != types.KindDelete {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return &ValidationError{Field: "payload", Message: "must be a JSON object"}
	}
	if id, ok := fields["id"]; !ok || string(id) == "null" || string(id) == `""` {
		return &ValidationError{Field: "payload.id", Message: "is required"}
	}
	if kind == types.KindUpdate {
		if v, ok := fields["values"]; !ok || string(v) == "null" {
			return &ValidationError{Field: "payload.values", Message: "is required"}
		}
	}
	return nil
}

// ValidateSyncRequest checks a sync trigger. An empty reason is accepted.
func ValidateSyncRequest(req types.SyncRequest) []ValidationError {
	if req.Reason == "" {
		return nil
	}
	if err := ValidateEnum("reason", req.Reason, SyncReasons); err != nil {
		return []ValidationError{*err}
	}
	return nil
}

// ValidateListLimit checks the limit query parameter of list endpoints.
func ValidateListLimit(limit int) *ValidationError {
	return ValidateRange("limit", float64(limit), 1, MaxListLimit)
}
