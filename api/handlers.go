/*
handlers.go - HTTP API handlers for the completion ledger

ENDPOINTS:
  POST   /api/tasks/complete   Complete a task for the calling user
  GET    /api/tasks            Task catalog (read-only)
  GET    /api/users/{id}       Balance, ledger history and completions (self only)

CALLER IDENTITY:
  The surrounding gateway authenticates the user and forwards the id in the
  X-User-ID header. This service does not issue or verify sessions.

IDEMPOTENCY:
  Clients that retry should send the same Idempotency-Key header (or
  "idempotencyKey" body field) on every attempt.

ERROR HANDLING:
  Every failure carries a stable code from the rewards taxonomy:
  - 400: VALIDATION_ERROR, TASK_DISABLED, ALREADY_COMPLETED(_TODAY)
  - 401: UNAUTHORIZED (no caller identity)
  - 403: UNAUTHORIZED (caller is not the target user)
  - 404: NOT_FOUND
  - 409: IDEMPOTENCY_REPLAY
  - 500: UNKNOWN_ERROR (detail is logged, never returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/reward-ledger/rewards"
)

// IdempotencyKeyHeader carries the client's retry-stable request key.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes bounds request bodies before decoding.
const maxBodyBytes = 1 << 20

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *rewards.Engine
	Metrics *Metrics
	Logger  *slog.Logger
}

// NewHandler creates a new handler around engine.
func NewHandler(engine *rewards.Engine, metrics *Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Metrics: metrics, Logger: logger}
}

// =============================================================================
// COMPLETION
// =============================================================================

// CompleteTask grants a task to the calling user.
// POST /api/tasks/complete
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, rewards.CodeUnauthorized, "Login required")
		return
	}

	var req CompleteTaskRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, rewards.CodeValidation, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.TaskID = strings.TrimSpace(req.TaskID)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, rewards.CodeValidation, "userId and taskId are required")
		return
	}

	start := time.Now()
	result, err := h.Engine.Complete(r.Context(), rewards.CompleteInput{
		CallerID:       caller,
		UserID:         rewards.UserID(req.UserID),
		TaskID:         rewards.TaskID(req.TaskID),
		IdempotencyKey: req.IdempotencyKey,
	})
	h.Metrics.ObserveComplete(start, result, err)
	if err != nil {
		writeRejection(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, CompleteTaskResponse{
		User:   toUserDTO(result.Account),
		Record: toRecordDTO(result.Entry),
	})
}

// =============================================================================
// READS
// =============================================================================

// ListTasks returns the task catalog.
// GET /api/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Engine.Store.ListTasks(r.Context())
	if err != nil {
		h.Logger.Error("list tasks", "error", err)
		writeError(w, http.StatusInternalServerError, rewards.CodeUnknown, "Failed to fetch tasks")
		return
	}

	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	writeSuccess(w, http.StatusOK, dtos)
}

// GetUser returns the caller's balance, history (newest first) and
// completions.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, rewards.CodeUnauthorized, "Login required")
		return
	}
	userID := rewards.UserID(chi.URLParam(r, "id"))
	if caller != userID {
		writeError(w, http.StatusForbidden, rewards.CodeUnauthorized, "You can only view your own details")
		return
	}

	history, err := h.Engine.History(r.Context(), userID)
	if err != nil {
		var rej *rewards.Rejection
		if !errors.As(err, &rej) {
			h.Logger.Error("load user history", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, rewards.CodeUnknown, "Failed to fetch user details")
			return
		}
		writeRejection(w, rej)
		return
	}

	resp := UserDetailResponse{
		User:        toUserDTO(history.Account.View()),
		Records:     make([]RecordDTO, len(history.Entries)),
		Completions: make([]CompletionDTO, len(history.Completions)),
	}
	for i, e := range history.Entries {
		resp.Records[i] = toRecordDTO(e)
	}
	for i, c := range history.Completions {
		resp.Completions[i] = toCompletionDTO(c)
	}
	writeSuccess(w, http.StatusOK, resp)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

var statusByCode = map[rewards.Code]int{
	rewards.CodeValidation:            http.StatusBadRequest,
	rewards.CodeUnauthorized:          http.StatusForbidden,
	rewards.CodeNotFound:              http.StatusNotFound,
	rewards.CodeTaskDisabled:          http.StatusBadRequest,
	rewards.CodeAlreadyCompleted:      http.StatusBadRequest,
	rewards.CodeAlreadyCompletedToday: http.StatusBadRequest,
	rewards.CodeIdempotencyReplay:     http.StatusConflict,
	rewards.CodeUnknown:               http.StatusInternalServerError,
}

// StatusFor maps a rewards code to its HTTP status.
func StatusFor(code rewards.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeRejection(w http.ResponseWriter, err error) {
	var rej *rewards.Rejection
	if !errors.As(err, &rej) {
		writeError(w, http.StatusInternalServerError, rewards.CodeUnknown, "Failed to complete task")
		return
	}
	resp := ErrorResponse{Error: ErrorBody{Code: string(rej.Code), Message: rej.Message}}
	// Only eligibility rejections echo the balance.
	if rewards.IsAlreadyCompleted(rej) && rej.Account != nil {
		u := toUserDTO(*rej.Account)
		resp.User = &u
	}
	writeJSON(w, StatusFor(rej.Code), resp)
}

func writeError(w http.ResponseWriter, status int, code rewards.Code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: string(code), Message: message}})
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessResponse{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
