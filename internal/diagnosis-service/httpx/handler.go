package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
	"github.com/jcmexdev/diagnosis-sagas/internal/diagnosis-service/httpx/middlewares"
)

// Handler exposes the trigger entry point and the saga status endpoint.
type Handler struct {
	orchestrator *coordinator.Orchestrator
	store        checkpoint.Store
}

func NewHandler(o *coordinator.Orchestrator, store checkpoint.Store) *Handler {
	return &Handler{orchestrator: o, store: store}
}

// Trigger receives a quality-issue signal and starts (or joins) the saga
// for it. Redelivery is harmless: the saga ID is derived from the payload,
// so a repeated trigger returns the existing saga — including its final
// result when it already finished — without re-running anything.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.DocumentID == "" || req.FarmerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "document_id and farmer_id are required")
		return
	}

	requestID, _ := r.Context().Value(middlewares.ContextKeyRequestID).(string)
	slog.InfoContext(r.Context(), "diagnosis trigger received",
		"request_id", requestID, "document_id", req.DocumentID, "farmer_id", req.FarmerID)

	st, err := h.orchestrator.StartOrResume(r.Context(), checkpoint.Trigger{
		DocumentID: req.DocumentID,
		FarmerID:   req.FarmerID,
		Channel:    req.Channel,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_start_error", err.Error())
		return
	}

	if st.Phase.Terminal() {
		writeJSON(w, http.StatusOK, mapSagaToResponse(st))
		return
	}

	// Detach from the HTTP request context so the saga is not cancelled
	// when the response is sent, while keeping tracing metadata.
	sagaCtx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.orchestrator.Run(sagaCtx, st.SagaID); err != nil {
			slog.ErrorContext(sagaCtx, "saga run ended with error", "saga_id", st.SagaID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, mapSagaToResponse(st))
}

// GetSaga returns the current snapshot of one saga, including the final
// diagnosis once aggregated.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		writeError(w, http.StatusBadRequest, "saga_id_required", "")
		return
	}

	st, err := h.store.Load(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "saga_not_found", sagaID)
			return
		}
		writeError(w, http.StatusInternalServerError, "load_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, mapSagaToResponse(st))
}

func mapSagaToResponse(st *checkpoint.SagaState) SagaResponse {
	return SagaResponse{
		SagaID:       st.SagaID,
		Phase:        string(st.Phase),
		AttemptCount: st.AttemptCount,
		Result:       st.Aggregate,
		LastError:    st.LastError,
		CreatedAt:    st.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    st.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
