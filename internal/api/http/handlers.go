package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/polykit/eslite/internal/engine"
	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/internal/migration"
	"github.com/polykit/eslite/internal/query"
	"github.com/polykit/eslite/pkg/types"
)

// MigrateResponse is returned by POST /v1/migrate/{namespace}.
type MigrateResponse struct {
	Namespace string `json:"namespace"`
	Applied   int    `json:"applied"`
	Version   uint32 `json:"version"`
	RequestID string `json:"request_id"`
}

// StateResponse carries the sync state of one table.
type StateResponse struct {
	Table     string          `json:"table"`
	State     types.SyncState `json:"state"`
	RequestID string          `json:"request_id,omitempty"`
}

// BindRequest is the body of POST /v1/tables/{table}/bind.
type BindRequest struct {
	Namespace       string `json:"namespace"`
	RequiredVersion uint32 `json:"required_version"`
}

// Handler serves the engine's HTTP API.
type Handler struct {
	engine       *engine.Engine
	maxBodyBytes int64
}

// NewHandler creates a handler. maxBodyBytes caps request bodies; zero
// means 64MB.
func NewHandler(e *engine.Engine, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 64 << 20
	}
	return &Handler{engine: e, maxBodyBytes: maxBodyBytes}
}

// Routes registers every endpoint on a new mux, wrapped in mw.
func (h *Handler) Routes(mw func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, mw(fn))
	}

	handle("POST /v1/migrate/{namespace}", h.migrate)
	handle("GET /v1/version/{namespace}", h.version)
	handle("GET /v1/history/{namespace}", h.history)

	handle("GET /v1/tables", h.listTables)
	handle("POST /v1/tables/{table}/bind", h.bind)
	handle("POST /v1/tables/{table}/register", h.register)
	handle("POST /v1/tables/{table}/snapshot", h.snapshot)
	handle("GET /v1/tables/{table}/state", h.state)
	handle("POST /v1/tables/{table}/pause", h.pause)
	handle("POST /v1/tables/{table}/resume", h.resume)
	handle("POST /v1/tables/{table}/recover", h.recoverTable)

	handle("POST /v1/deltas", h.delta)
	handle("POST /v1/query", h.query)
	handle("GET /v1/stats", h.stats)

	mux.HandleFunc("GET /health", h.health)
	return mux
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func (h *Handler) migrate(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	namespace := r.PathValue("namespace")

	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	migrations, err := migration.DecodeMigrations(body)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}

	applied, err := h.engine.Migrate(r.Context(), namespace, migrations)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, MigrateResponse{
		Namespace: namespace,
		Applied:   applied,
		Version:   h.engine.CurrentVersion(namespace),
		RequestID: requestID,
	})
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace": namespace,
		"version":   h.engine.CurrentVersion(namespace),
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	records, err := h.engine.History(r.Context(), namespace)
	if err != nil {
		writeEngineError(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace":  namespace,
		"migrations": records,
	})
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tables": h.engine.Tables(),
		"states": h.engine.States(),
	})
}

func (h *Handler) bind(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	table := r.PathValue("table")

	var req BindRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if err := h.engine.Bind(table, req.Namespace, req.RequiredVersion); err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":            table,
		"namespace":        req.Namespace,
		"required_version": req.RequiredVersion,
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if err := h.engine.Register(r.Context(), table); err != nil {
		writeEngineError(w, err, GetRequestID(r.Context()))
		return
	}
	h.writeState(w, r, table)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	table := r.PathValue("table")

	sequence, err := strconv.ParseUint(r.URL.Query().Get("sequence"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sequence query parameter must be an unsigned integer", requestID)
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	if err := h.engine.ApplySnapshot(r.Context(), table, body, sequence); err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	h.writeState(w, r, table)
}

func (h *Handler) delta(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var delta types.Delta
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(&delta); err != nil {
		writeEngineError(w, eserrors.Wrap(eserrors.ErrCategorySync, eserrors.CodeInvalidDelta, "invalid delta body", err), requestID)
		return
	}
	if err := h.engine.ApplyDelta(r.Context(), delta); err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	h.writeState(w, r, delta.Table)
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r, r.PathValue("table"))
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if err := h.engine.Pause(r.Context(), table); err != nil {
		writeEngineError(w, err, GetRequestID(r.Context()))
		return
	}
	h.writeState(w, r, table)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if err := h.engine.Resume(r.Context(), table); err != nil {
		writeEngineError(w, err, GetRequestID(r.Context()))
		return
	}
	h.writeState(w, r, table)
}

func (h *Handler) recoverTable(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if _, err := h.engine.Recover(r.Context(), table); err != nil {
		writeEngineError(w, err, GetRequestID(r.Context()))
		return
	}
	h.writeState(w, r, table)
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	q, err := query.DecodeFilter(body)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	result, err := h.engine.Query(r.Context(), q)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"service":    "eslite",
		"namespaces": h.engine.Namespaces(),
	})
}

func (h *Handler) writeState(w http.ResponseWriter, r *http.Request, table string) {
	writeJSON(w, http.StatusOK, StateResponse{
		Table:     table,
		State:     h.engine.State(table),
		RequestID: GetRequestID(r.Context()),
	})
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch eserrors.GetCategory(err) {
	case eserrors.ErrCategorySchema, eserrors.ErrCategoryConfig:
		return http.StatusBadRequest
	case eserrors.ErrCategoryMigration:
		if eserrors.GetCode(err) == eserrors.CodeOperationFailed {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case eserrors.ErrCategorySync:
		switch eserrors.GetCode(err) {
		case eserrors.CodeNotSynced, eserrors.CodeSequenceGap, eserrors.CodeSchemaNotReady:
			return http.StatusConflict
		case eserrors.CodeInvalidDelta:
			return http.StatusBadRequest
		}
	case eserrors.ErrCategoryQuery:
		switch eserrors.GetCode(err) {
		case eserrors.CodeTableNotReady:
			return http.StatusConflict
		case eserrors.CodeInvalidQuery:
			return http.StatusBadRequest
		}
	case eserrors.ErrCategoryStorage:
		if eserrors.GetCode(err) == eserrors.CodeObjectNotFound {
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tables":     h.engine.Stats(),
		"request_id": GetRequestID(r.Context()),
	})
}
