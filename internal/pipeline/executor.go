package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbollon/go-edlib"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
)

// NoPipelineFoundError is returned when no running, healthy pipeline matches
// the protocol/model pair. The executor never substitutes a default choice.
type NoPipelineFoundError struct {
	Protocol string
	Model    string
}

func (e *NoPipelineFoundError) Error() string {
	return fmt.Sprintf("no pipeline found for protocol %q, model %q", e.Protocol, e.Model)
}

// ExecutionResult is the structured outcome of one pipeline run. Retried
// attempts each produce their own result; only the final one reaches the
// caller's response path.
type ExecutionResult struct {
	ExecutionID string
	Response    *canonical.Response
	Raw         []byte
	TotalTime   time.Duration
	StageTimes  map[string]time.Duration
	Err         error
}

// Executor owns the pipeline set and drives requests through a selected
// pipeline.
type Executor struct {
	mu        sync.Mutex
	pipelines []*Pipeline
	results   []*ExecutionResult
}

func NewExecutor() *Executor {
	return &Executor{}
}

// Add registers and starts a pipeline.
func (e *Executor) Add(p *Pipeline) error {
	if err := p.Start(); err != nil {
		return err
	}
	e.mu.Lock()
	e.pipelines = append(e.pipelines, p)
	e.mu.Unlock()
	return nil
}

// Shutdown stops every pipeline.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pipelines {
		p.Stop()
	}
}

// Pipelines returns a snapshot of the registered pipelines.
func (e *Executor) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Pipeline, len(e.pipelines))
	copy(out, e.pipelines)
	return out
}

// PipelinesFor returns the pipelines bound to one provider.
func (e *Executor) PipelinesFor(provider string) []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Pipeline
	for _, p := range e.pipelines {
		if p.Provider() == provider {
			out = append(out, p)
		}
	}
	return out
}

// FindPipelineByProtocol scores the running, healthy pipelines against the
// requested protocol and model and returns the best match. Ties go to the
// pipeline that has been idle the longest.
func (e *Executor) FindPipelineByProtocol(protocol, model string) (*Pipeline, error) {
	e.mu.Lock()
	candidates := make([]*Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		if p.Healthy() {
			candidates = append(candidates, p)
		}
	}
	e.mu.Unlock()

	var best *Pipeline
	bestScore := 0.0
	for _, p := range candidates {
		score := scorePipeline(p, protocol, model)
		if score <= 0 {
			continue
		}
		switch {
		case best == nil, score > bestScore:
			best = p
			bestScore = score
		case score == bestScore && p.LastUsed().Before(best.LastUsed()):
			best = p
		}
	}

	if best == nil {
		return nil, &NoPipelineFoundError{Protocol: protocol, Model: model}
	}
	return best, nil
}

// scorePipeline ranks one pipeline: provider/protocol match dominates
// (exact over family), then model match (exact over substring over
// similarity), with a latency penalty so a consistently slow pipeline loses
// close calls.
func scorePipeline(p *Pipeline, protocol, model string) float64 {
	var score float64

	switch {
	case p.Protocol() == protocol:
		score += 100
	case strings.Contains(p.Protocol(), protocol) || strings.Contains(protocol, p.Protocol()):
		// Family match: an "openai-compatible" pipeline still serves openai.
		score += 50
	default:
		return 0
	}

	switch {
	case model == "" || p.Model() == "":
		score += 10
	case p.Model() == model:
		score += 40
	case strings.Contains(p.Model(), model) || strings.Contains(model, p.Model()):
		score += 20
	default:
		if sim, err := edlib.StringsSimilarity(p.Model(), model, edlib.Levenshtein); err == nil {
			score += float64(sim) * 10
		}
	}

	// Cap the latency penalty so a healthy match is never disqualified.
	penalty := float64(p.AvgLatency().Milliseconds()) / 1000
	if penalty > 9 {
		penalty = 9
	}
	return score - penalty
}

// HandleRequest binds the request to a matching pipeline and runs it,
// returning a structured result with total and per-stage timing. Failures are
// recorded in the result and returned; the executor never retries on its own.
func (e *Executor) HandleRequest(ctx context.Context, protocol string, req *canonical.Request, targetModel, apiKey string) (*ExecutionResult, error) {
	p, err := e.FindPipelineByProtocol(protocol, targetModel)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, p, req, targetModel, apiKey)
}

// Run drives one request through a specific pipeline.
func (e *Executor) Run(ctx context.Context, p *Pipeline, req *canonical.Request, targetModel, apiKey string) (*ExecutionResult, error) {
	exch := &Exchange{
		Request:     req,
		TargetModel: targetModel,
		InstanceKey: apiKey,
		StageTiming: make(map[string]time.Duration),
	}

	start := time.Now()
	err := p.Execute(ctx, exch)

	result := &ExecutionResult{
		ExecutionID: "exec_" + uuid.NewString(),
		Response:    exch.Response,
		Raw:         exch.WireResponse,
		TotalTime:   time.Since(start),
		StageTimes:  exch.StageTiming,
		Err:         err,
	}

	e.mu.Lock()
	e.results = append(e.results, result)
	if len(e.results) > 100 {
		e.results = e.results[len(e.results)-100:]
	}
	e.mu.Unlock()

	if err != nil {
		return result, err
	}
	return result, nil
}

// RecentResults exposes the retained execution results to observability
// collaborators.
func (e *Executor) RecentResults() []*ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ExecutionResult, len(e.results))
	copy(out, e.results)
	return out
}
