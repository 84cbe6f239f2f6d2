// Package handlers holds the HTTP entry points: the proxy endpoint that runs
// the full route-transform-invoke chain, and the status endpoint.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/gateway"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/inbound"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/keypool"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/outbound"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/pipeline"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/routing"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/stream"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/upstream"
)

const maxRequestBody = 32 << 20

type ProxyHandler struct {
	gateway  *gateway.Gateway
	emulator *stream.Emulator
	logger   *slog.Logger
}

func NewProxyHandler(gw *gateway.Gateway, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway:  gw,
		emulator: stream.NewEmulator(),
		logger:   logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}

	format := inbound.DetectFormat(r.URL.Path, body)
	req, err := inbound.Parse(format, body)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	// Streaming is emulated in the Anthropic SSE grammar only; failing other
	// formats up front beats handing an SSE parser a buffered JSON body.
	if req.Stream && format != inbound.FormatAnthropic {
		h.httpError(w, http.StatusBadRequest, "streaming responses are not supported for %s-format requests", format)
		return
	}

	result, err := h.gateway.Process(r.Context(), req)
	if err != nil {
		h.writeUpstreamError(w, req.ID, err)
		return
	}

	h.logger.Info("Request completed",
		"request_id", req.ID,
		"format", format,
		"category", result.Decision.Category,
		"provider", result.Provider,
		"model", result.Decision.TargetModel,
		"total_time", result.Execution.TotalTime,
	)

	if req.Stream {
		h.streamResponse(w, result)
		return
	}

	rendered, err := outbound.Render(format, result.Execution.Response)
	if err != nil {
		h.httpError(w, http.StatusInternalServerError, "failed to encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(rendered)
}

// streamResponse replays the buffered response as an Anthropic SSE event
// sequence, flushing after every event so the client sees incremental deltas.
func (h *ProxyHandler) streamResponse(w http.ResponseWriter, result *gateway.Result) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	events := h.emulator.Emulate(result.Execution.Response)
	for {
		evt, err := events.Next()
		if err != nil {
			break
		}
		if _, err := w.Write(evt.SSE()); err != nil {
			h.logger.Warn("Client disconnected mid-stream", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeUpstreamError maps the typed engine errors onto HTTP statuses. This is
// the only place gateway errors become status codes.
func (h *ProxyHandler) writeUpstreamError(w http.ResponseWriter, requestID string, err error) {
	var (
		noProvider *routing.NoHealthyProviderError
		noInstance *keypool.NoAvailableInstanceError
		noPipeline *pipeline.NoPipelineFoundError
		circuit    *routing.CircuitOpenError
		rateLimit  *upstream.RateLimitedError
		timeout    *upstream.TimeoutError
		callErr    *upstream.ProviderCallError
	)

	status := http.StatusBadGateway
	switch {
	case errors.As(err, &noProvider), errors.As(err, &noInstance),
		errors.As(err, &noPipeline), errors.As(err, &circuit):
		status = http.StatusServiceUnavailable
	case errors.As(err, &rateLimit):
		status = http.StatusTooManyRequests
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &callErr):
		if callErr.StatusCode >= 400 {
			status = callErr.StatusCode
		}
	}

	h.logger.Error("Request failed", "request_id", requestID, "status", status, "error", err)
	h.httpError(w, status, "%v", err)
}

func (h *ProxyHandler) httpError(w http.ResponseWriter, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"type":"gateway_error","message":%q}}`, msg)
}
