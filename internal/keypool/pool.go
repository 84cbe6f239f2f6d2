// Package keypool manages the credential instances of one provider. Each key
// carries independent health state, rate-limit cooldowns and usage counters;
// selection among eligible keys follows a configurable strategy.
package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Key selection strategies.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLeastUsed   = "least_used"
	StrategyHealthBased = "health_based"
)

const (
	DefaultMaxConsecutiveFailures = 3
	DefaultRateLimitCooldown      = 60 * time.Second
	DefaultProbeTimeout           = 5 * time.Second
)

// Config describes one provider's credential pool.
type Config struct {
	Provider               string
	Keys                   []string
	HealthURL              string
	Strategy               string
	MaxConsecutiveFailures int
	RateLimitCooldown      time.Duration
	ProbeTimeout           time.Duration
}

// NoAvailableInstanceError is returned when every instance is unhealthy,
// cooling down after a rate limit, or past the failure threshold.
type NoAvailableInstanceError struct {
	Provider string
}

func (e *NoAvailableInstanceError) Error() string {
	return fmt.Sprintf("no available key instances for provider %q", e.Provider)
}

// rateLimitError is the shape a rate-limit failure reports itself with; the
// upstream invoker's RateLimitedError implements it. Keeping this an
// interface avoids a dependency on the transport layer.
type rateLimitError interface {
	RateLimited() bool
}

// instance is one credential with its health state. All fields are guarded by
// the pool mutex.
type instance struct {
	id     string
	apiKey string

	healthy             bool
	consecutiveFailures int
	rateLimitUntil      time.Time
	lastHealthCheck     time.Time

	totalRequests   int64
	successCount    int64
	failureCount    int64
	rateLimitCount  int64
	avgResponseTime time.Duration
}

func (i *instance) successRate() float64 {
	if i.totalRequests == 0 {
		return 1.0
	}
	return float64(i.successCount) / float64(i.totalRequests)
}

// Selection is the caller-facing view of a selected instance.
type Selection struct {
	InstanceID string
	APIKey     string
}

// InstanceStats is a point-in-time snapshot for observability.
type InstanceStats struct {
	InstanceID          string
	Healthy             bool
	ConsecutiveFailures int
	RateLimitedUntil    time.Time
	TotalRequests       int64
	SuccessCount        int64
	FailureCount        int64
	RateLimitCount      int64
	AvgResponseTime     time.Duration
	LastHealthCheck     time.Time
}

// Pool owns the credential instances for one provider. Pools of different
// providers never share state and never contend.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	instances []*instance
	rrIndex   int
	inFlight  int

	now func() time.Time
}

func New(cfg Config) (*Pool, error) {
	if cfg.Provider == "" {
		return nil, errors.New("provider name is required")
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("provider %q has no keys configured", cfg.Provider)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	switch cfg.Strategy {
	case StrategyRoundRobin, StrategyLeastUsed, StrategyHealthBased:
	default:
		return nil, fmt.Errorf("unknown key strategy %q", cfg.Strategy)
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	p := &Pool{cfg: cfg, now: time.Now}
	for i, key := range cfg.Keys {
		p.instances = append(p.instances, &instance{
			id:      fmt.Sprintf("%s-key-%d", cfg.Provider, i),
			apiKey:  key,
			healthy: true,
		})
	}
	return p, nil
}

func (p *Pool) Provider() string { return p.cfg.Provider }

// GetAvailableInstance filters out unhealthy, rate-limited, and
// over-threshold instances and selects among the remainder using the
// configured strategy.
func (p *Pool) GetAvailableInstance() (Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var eligible []*instance
	for _, inst := range p.instances {
		if !inst.healthy {
			continue
		}
		if now.Before(inst.rateLimitUntil) {
			continue
		}
		if inst.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
			continue
		}
		eligible = append(eligible, inst)
	}

	if len(eligible) == 0 {
		return Selection{}, &NoAvailableInstanceError{Provider: p.cfg.Provider}
	}

	var chosen *instance
	switch p.cfg.Strategy {
	case StrategyLeastUsed:
		chosen = eligible[0]
		for _, inst := range eligible[1:] {
			if inst.totalRequests < chosen.totalRequests {
				chosen = inst
			}
		}
	case StrategyHealthBased:
		chosen = eligible[0]
		for _, inst := range eligible[1:] {
			if inst.successRate() > chosen.successRate() {
				chosen = inst
			}
		}
	default: // round robin
		chosen = eligible[p.rrIndex%len(eligible)]
		p.rrIndex++
	}

	return Selection{InstanceID: chosen.id, APIKey: chosen.apiKey}, nil
}

// RecordSuccess resets the failure streak, marks the instance healthy and
// folds the response time into a running average.
func (p *Pool) RecordSuccess(instanceID string, responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst := p.find(instanceID)
	if inst == nil {
		return
	}

	inst.consecutiveFailures = 0
	inst.healthy = true
	inst.totalRequests++
	inst.successCount++
	if inst.avgResponseTime == 0 {
		inst.avgResponseTime = responseTime
	} else {
		inst.avgResponseTime = (inst.avgResponseTime + responseTime) / 2
	}
}

// RecordFailure advances the instance's failure state. Rate-limit failures
// start the cooldown and bump their own counter without touching the failure
// streak; any other failure moves the streak toward the unhealthy threshold.
func (p *Pool) RecordFailure(instanceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst := p.find(instanceID)
	if inst == nil {
		return
	}

	inst.totalRequests++
	inst.failureCount++

	var rle rateLimitError
	if errors.As(err, &rle) && rle.RateLimited() {
		inst.rateLimitUntil = p.now().Add(p.cfg.RateLimitCooldown)
		inst.rateLimitCount++
		return
	}

	inst.consecutiveFailures++
	if inst.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
		inst.healthy = false
	}
}

// Acquire marks one in-flight request against this provider. The router's
// least-connections strategy reads the counter.
func (p *Pool) Acquire() {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
}

func (p *Pool) Release() {
	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.mu.Unlock()
}

func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Stats returns a snapshot of every instance.
func (p *Pool) Stats() []InstanceStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]InstanceStats, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, InstanceStats{
			InstanceID:          inst.id,
			Healthy:             inst.healthy,
			ConsecutiveFailures: inst.consecutiveFailures,
			RateLimitedUntil:    inst.rateLimitUntil,
			TotalRequests:       inst.totalRequests,
			SuccessCount:        inst.successCount,
			FailureCount:        inst.failureCount,
			RateLimitCount:      inst.rateLimitCount,
			AvgResponseTime:     inst.avgResponseTime,
			LastHealthCheck:     inst.lastHealthCheck,
		})
	}
	return out
}

func (p *Pool) find(instanceID string) *instance {
	for _, inst := range p.instances {
		if inst.id == instanceID {
			return inst
		}
	}
	return nil
}
