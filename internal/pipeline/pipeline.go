// Package pipeline binds a routed provider to a runnable unit: an ordered
// module chain that transforms the canonical request to the provider wire
// format, invokes the provider, and transforms the response back. Pipelines
// are health-monitored and only accept traffic while running.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/protocols"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/upstream"
)

// Pipeline lifecycle states.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Exchange carries one request through the module chain.
type Exchange struct {
	Request     *canonical.Request
	TargetModel string
	InstanceKey string

	WireRequest  []byte
	WireResponse []byte
	Response     *canonical.Response

	StageTiming map[string]time.Duration
}

// Module is one ordered processing stage. Process runs only while the owning
// pipeline is running.
type Module interface {
	Name() string
	Process(ctx context.Context, exch *Exchange) error
}

// Config declares a pipeline.
type Config struct {
	ID       string
	Provider string
	Protocol string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

// Pipeline is one running provider binding.
type Pipeline struct {
	cfg     Config
	modules []Module

	mu         sync.Mutex
	state      State
	healthy    bool
	lastUsed   time.Time
	avgLatency time.Duration
}

// New assembles a pipeline with the standard module chain for its protocol
// handler and invoker.
func New(cfg Config, handler protocols.Handler, invoker upstream.Invoker) *Pipeline {
	p := &Pipeline{cfg: cfg, healthy: true}
	p.modules = []Module{
		&transformRequestModule{handler: handler},
		&invokeModule{invoker: invoker, cfg: cfg},
		&transformResponseModule{handler: handler},
	}
	return p
}

func (p *Pipeline) ID() string       { return p.cfg.ID }
func (p *Pipeline) Provider() string { return p.cfg.Provider }
func (p *Pipeline) Protocol() string { return p.cfg.Protocol }
func (p *Pipeline) Model() string    { return p.cfg.Model }

// Start moves the pipeline to running. It must reach running before it
// accepts traffic.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		return nil
	}
	if p.state == StateStopping {
		return fmt.Errorf("pipeline %s is stopping", p.cfg.ID)
	}

	p.state = StateStarting
	if p.cfg.Endpoint == "" || p.cfg.Provider == "" {
		p.state = StateStopped
		return fmt.Errorf("pipeline %s has incomplete configuration", p.cfg.ID)
	}
	p.state = StateRunning
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Healthy reports the pipeline's internal health predicate combined with its
// lifecycle state.
func (p *Pipeline) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning && p.healthy
}

func (p *Pipeline) SetHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

func (p *Pipeline) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

func (p *Pipeline) AvgLatency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgLatency
}

// Execute drives one exchange through the module chain, timing each stage.
// A pipeline that is not running fails fast.
func (p *Pipeline) Execute(ctx context.Context, exch *Exchange) error {
	if exch.StageTiming == nil {
		exch.StageTiming = make(map[string]time.Duration)
	}

	start := time.Now()
	for _, module := range p.modules {
		if p.State() != StateRunning {
			return fmt.Errorf("pipeline %s is not running (state %s)", p.cfg.ID, p.State())
		}

		stageStart := time.Now()
		err := module.Process(ctx, exch)
		exch.StageTiming[module.Name()] = time.Since(stageStart)
		if err != nil {
			p.recordUse(time.Since(start))
			return err
		}
	}

	p.recordUse(time.Since(start))
	return nil
}

func (p *Pipeline) recordUse(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastUsed = time.Now()
	if p.avgLatency == 0 {
		p.avgLatency = elapsed
	} else {
		p.avgLatency = (p.avgLatency + elapsed) / 2
	}
}

// transformRequestModule produces the provider wire body and pins the routed
// target model onto it.
type transformRequestModule struct {
	handler protocols.Handler
}

func (m *transformRequestModule) Name() string { return "transform_request" }

func (m *transformRequestModule) Process(_ context.Context, exch *Exchange) error {
	wire, err := m.handler.TransformRequest(exch.Request)
	if err != nil {
		return err
	}

	if exch.TargetModel != "" && exch.TargetModel != exch.Request.Model {
		wire, err = sjson.SetBytes(wire, "model", exch.TargetModel)
		if err != nil {
			return fmt.Errorf("rewrite target model: %w", err)
		}
	}

	exch.WireRequest = wire
	return nil
}

// invokeModule performs the provider call.
type invokeModule struct {
	invoker upstream.Invoker
	cfg     Config
}

func (m *invokeModule) Name() string { return "invoke" }

func (m *invokeModule) Process(ctx context.Context, exch *Exchange) error {
	model := exch.TargetModel
	if model == "" {
		model = exch.Request.Model
	}

	raw, err := m.invoker.Send(ctx, &upstream.Request{
		Provider: m.cfg.Provider,
		Protocol: m.cfg.Protocol,
		Endpoint: strings.ReplaceAll(m.cfg.Endpoint, "{model}", model),
		Model:    model,
		APIKey:   exch.InstanceKey,
		Body:     exch.WireRequest,
		Timeout:  m.cfg.Timeout,
	})
	if err != nil {
		return err
	}

	exch.WireResponse = raw
	return nil
}

// transformResponseModule normalizes the raw provider payload.
type transformResponseModule struct {
	handler protocols.Handler
}

func (m *transformResponseModule) Name() string { return "transform_response" }

func (m *transformResponseModule) Process(_ context.Context, exch *Exchange) error {
	resp, err := m.handler.TransformResponse(exch.WireResponse)
	if err != nil {
		return err
	}

	resp.Metadata.RequestID = exch.Request.ID
	exch.Response = resp
	return nil
}
