package keypool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Prober issues a single health probe for one credential instance. The
// default implementation GETs the configured health URL.
type Prober interface {
	Probe(ctx context.Context, apiKey string) error
}

// HTTPProber probes a provider health endpoint over HTTP. Any 2xx status
// counts as healthy.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (hp *HTTPProber) Probe(ctx context.Context, apiKey string) error {
	client := hp.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hp.URL, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// PerformHealthChecks probes every instance concurrently, each with its own
// timeout. A slow or hanging probe never blocks the others, and one failed
// probe never aborts the batch. A successful probe resets the failure streak
// and re-marks the instance healthy.
func (p *Pool) PerformHealthChecks(ctx context.Context, prober Prober) {
	if prober == nil {
		if p.cfg.HealthURL == "" {
			return
		}
		prober = &HTTPProber{URL: p.cfg.HealthURL}
	}

	p.mu.Lock()
	targets := make([]struct {
		id  string
		key string
	}, 0, len(p.instances))
	for _, inst := range p.instances {
		targets = append(targets, struct {
			id  string
			key string
		}{inst.id, inst.apiKey})
	}
	timeout := p.cfg.ProbeTimeout
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(id, key string) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := prober.Probe(probeCtx, key)
			p.recordProbeResult(id, err)
		}(target.id, target.key)
	}
	wg.Wait()
}

func (p *Pool) recordProbeResult(instanceID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst := p.find(instanceID)
	if inst == nil {
		return
	}

	inst.lastHealthCheck = p.now()
	if err == nil {
		inst.consecutiveFailures = 0
		inst.healthy = true
		return
	}

	inst.consecutiveFailures++
	if inst.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
		inst.healthy = false
	}
}
