package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/gateway"
)

// HealthHandler reports gateway liveness plus per-provider pool and pipeline
// state.
type HealthHandler struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
}

func NewHealthHandler(gw *gateway.Gateway, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{gateway: gw, logger: logger}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type pipelineStatus struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
		Protocol string `json:"protocol"`
		Model    string `json:"model,omitempty"`
		State    string `json:"state"`
		Healthy  bool   `json:"healthy"`
	}

	var pipelines []pipelineStatus
	for _, p := range h.gateway.Executor().Pipelines() {
		pipelines = append(pipelines, pipelineStatus{
			ID:       p.ID(),
			Provider: p.Provider(),
			Protocol: p.Protocol(),
			Model:    p.Model(),
			State:    p.State().String(),
			Healthy:  p.Healthy(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	err := json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"pipelines": pipelines,
	})
	if err != nil {
		h.logger.Error("Failed to write health response", "error", err)
	}
}
