package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/config"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/routing"
)

const upstreamOKBody = `{
	"id": "msg_1",
	"type": "message",
	"model": "claude-sonnet-4",
	"content": [{"type": "text", "text": "ok"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 1, "output_tokens": 1}
}`

// scriptedUpstream serves responses according to its current mode: "ok",
// "fail" (500), "garbage" (200 with a non-JSON body), or "block" (hold the
// request open until Release, then answer ok).
type scriptedUpstream struct {
	mu      sync.Mutex
	mode    string
	started chan struct{}
	release chan struct{}
}

func newScriptedUpstream() *scriptedUpstream {
	return &scriptedUpstream{
		mode:    "ok",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *scriptedUpstream) SetMode(mode string) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *scriptedUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	switch mode {
	case "fail":
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"down"}`))
	case "garbage":
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("definitely not json"))
	case "block":
		s.started <- struct{}{}
		<-s.release
		fallthrough
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(upstreamOKBody))
	}
}

func newBreakerTestGateway(t *testing.T, endpoint string) *Gateway {
	t.Helper()

	cfg := &config.Config{
		Providers: []config.Provider{{
			Name:     "main",
			Protocol: "anthropic",
			Endpoint: endpoint,
			APIKeys:  []string{"sk-test"},
		}},
		Router: config.RouterConfig{
			Categories: map[string]config.Category{
				"default": {
					Providers: []config.ProviderRef{{Provider: "main", Model: "claude-sonnet-4"}},
				},
			},
			LongContextThreshold: config.DefaultLongContextThreshold,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 1, RecoverySeconds: 1},
	}
	require.NoError(t, cfg.Validate())

	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return gw
}

func chatRequest(t *testing.T) *canonical.Request {
	t.Helper()
	req, err := canonical.NewBuilder().
		GenerateID().
		Model("claude-3-5-sonnet").
		OriginalFormat("anthropic").
		AddMessage(canonical.TextMessage(canonical.RoleUser, "hi")).
		Build()
	require.NoError(t, err)
	return req
}

func TestProcess_HalfOpenAdmitsSingleTrial(t *testing.T) {
	upstream := newScriptedUpstream()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	gw := newBreakerTestGateway(t, srv.URL)
	ctx := context.Background()

	// Threshold 1: one provider failure opens the breaker.
	upstream.SetMode("fail")
	_, err := gw.Process(ctx, chatRequest(t))
	require.Error(t, err)

	_, err = gw.Process(ctx, chatRequest(t))
	var noHealthy *routing.NoHealthyProviderError
	require.ErrorAs(t, err, &noHealthy, "open breaker removes the provider from routing")

	// Past the recovery window the breaker admits one trial. Hold that trial
	// open upstream and verify a second request is refused meanwhile.
	time.Sleep(1100 * time.Millisecond)
	upstream.SetMode("block")

	trialErr := make(chan error, 1)
	go func() {
		_, err := gw.Process(ctx, chatRequest(t))
		trialErr <- err
	}()

	select {
	case <-upstream.started:
	case <-time.After(2 * time.Second):
		t.Fatal("trial request never reached the upstream")
	}

	_, err = gw.Process(ctx, chatRequest(t))
	var open *routing.CircuitOpenError
	require.ErrorAs(t, err, &open, "second request during the pending trial must be refused")
	assert.Equal(t, "main", open.Provider)

	// Releasing the trial with a success closes the breaker again.
	close(upstream.release)
	require.NoError(t, <-trialErr)

	upstream.SetMode("ok")
	_, err = gw.Process(ctx, chatRequest(t))
	require.NoError(t, err)
}

func TestProcess_TransformFailureDoesNotFeedBreaker(t *testing.T) {
	upstream := newScriptedUpstream()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	gw := newBreakerTestGateway(t, srv.URL)
	ctx := context.Background()

	// A 200 with an unparseable body fails the response transform, not the
	// provider call. With threshold 1 any miscounted failure would trip the
	// breaker immediately.
	upstream.SetMode("garbage")
	_, err := gw.Process(ctx, chatRequest(t))
	require.Error(t, err)

	assert.True(t, gw.Router().IsProviderAvailable("main"))

	upstream.SetMode("ok")
	_, err = gw.Process(ctx, chatRequest(t))
	require.NoError(t, err)
}

func TestProcess_ProviderFailureFeedsBreaker(t *testing.T) {
	upstream := newScriptedUpstream()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	gw := newBreakerTestGateway(t, srv.URL)
	ctx := context.Background()

	upstream.SetMode("fail")
	_, err := gw.Process(ctx, chatRequest(t))
	require.Error(t, err)

	assert.False(t, gw.Router().IsProviderAvailable("main"))
}
