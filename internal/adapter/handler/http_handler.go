package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tn604/stock-mirror/internal/port"
)

// CircuitReporter exposes the marketplace order breaker state for the
// health surface.
type CircuitReporter interface {
	OrderCircuitState() string
}

// OpsHandler serves the small operator surface: liveness and the parked
// event queue.
type OpsHandler struct {
	guards  port.GuardRepository
	circuit CircuitReporter
}

func NewOpsHandler(guards port.GuardRepository, circuit CircuitReporter) *OpsHandler {
	return &OpsHandler{guards: guards, circuit: circuit}
}

func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.circuit != nil {
		body["marketplace_circuit"] = h.circuit.OrderCircuitState()
	}
	writeJSON(w, http.StatusOK, body)
}

// ParkedEvents lists events that exhausted delivery retries, newest first.
func (h *OpsHandler) ParkedEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := int64(100)
	if q := r.URL.Query().Get("limit"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	events, err := h.guards.ParkedEvents(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
