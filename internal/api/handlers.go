package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/bcmsync/internal/queue"
	"github.com/hyperengineering/bcmsync/internal/store"
	"github.com/hyperengineering/bcmsync/internal/types"
	"github.com/hyperengineering/bcmsync/internal/validation"
)

const defaultDeadLetterLimit = 100

// maxBodyBytes leaves room for the envelope around a maximum-size payload.
const maxBodyBytes = validation.MaxPayloadBytes + 4096

// Queue is the subset of *queue.Queue the API serves.
type Queue interface {
	Enqueue(ctx context.Context, kind types.MutationKind, target string, payload json.RawMessage) (string, error)
	List() []types.QueuedMutation
	Size() int
	State() queue.State
	Clear(ctx context.Context) error
}

// SyncTrigger requests a background drain.
type SyncTrigger interface {
	Trigger(reason string) bool
}

// Connectivity reports whether the data service answered the last probe.
type Connectivity interface {
	Online() bool
}

// Handler implements the API handlers
type Handler struct {
	queue        Queue
	deadLetters  store.DeadLetterStore
	trigger      SyncTrigger
	connectivity Connectivity
	apiKey       string
	version      string
}

// NewHandler creates a Handler. connectivity may be nil, in which case
// health reports the service as offline.
func NewHandler(q Queue, dl store.DeadLetterStore, trigger SyncTrigger, connectivity Connectivity, apiKey, version string) *Handler {
	return &Handler{
		queue:        q,
		deadLetters:  dl,
		trigger:      trigger,
		connectivity: connectivity,
		apiKey:       apiKey,
		version:      version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// decodeBody decodes a JSON request body into v, writing a problem
// response and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	online := h.connectivity != nil && h.connectivity.Online()
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Pending:    h.queue.Size(),
		QueueState: h.queue.State().String(),
		Online:     online,
	})
}

// Enqueue handles POST /api/v1/mutations
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req types.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if errs := validation.ValidateEnqueueRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	id, err := h.queue.Enqueue(r.Context(), types.MutationKind(req.Kind), req.Target, req.Payload)
	if err != nil {
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, types.EnqueueResponse{
		ID:      id,
		Pending: h.queue.Size(),
	})
}

// ListMutations handles GET /api/v1/mutations
func (h *Handler) ListMutations(w http.ResponseWriter, r *http.Request) {
	pending := h.queue.List()
	writeJSON(w, http.StatusOK, types.PendingResponse{
		Mutations: pending,
		Pending:   len(pending),
	})
}

// CountMutations handles GET /api/v1/mutations/count
func (h *Handler) CountMutations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.CountResponse{Pending: h.queue.Size()})
}

// ClearMutations handles DELETE /api/v1/mutations
func (h *Handler) ClearMutations(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/v1/sync. An empty body means a manual sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req types.SyncRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if errs := validation.ValidateSyncRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	accepted := h.trigger.Trigger(req.Reason)
	slog.Debug("sync requested",
		"component", "api",
		"action", "sync_requested",
		"request_id", GetRequestID(r.Context()),
		"trigger", req.Reason,
		"accepted", accepted,
	)

	writeJSON(w, http.StatusAccepted, types.SyncResponse{
		Accepted: accepted,
		Reason:   req.Reason,
		State:    h.queue.State().String(),
	})
}

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		if verr := validation.ValidateListLimit(n); verr != nil {
			WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
			return
		}
		limit = n
	}

	letters, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	total, err := h.deadLetters.CountDeadLetters(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if letters == nil {
		letters = []types.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, types.DeadLettersResponse{
		DeadLetters: letters,
		Total:       total,
	})
}

func deadLetterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteProblem(w, r, http.StatusBadRequest, "dead letter id must be a positive integer")
		return 0, false
	}
	return id, true
}

// GetDeadLetter handles GET /api/v1/dead-letters/{id}
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := deadLetterID(w, r)
	if !ok {
		return
	}
	dl, err := h.deadLetters.GetDeadLetter(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

// DeleteDeadLetter handles DELETE /api/v1/dead-letters/{id}
func (h *Handler) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := deadLetterID(w, r)
	if !ok {
		return
	}
	if err := h.deadLetters.DeleteDeadLetter(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
