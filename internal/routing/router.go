package routing

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/diag"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/keypool"
)

// Provider selection strategies.
const (
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyRoundRobin         = "round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyRandom             = "random"
)

// ProviderRef is one provider entry in a category's routing table.
type ProviderRef struct {
	Provider string
	Model    string
	Weight   int
}

// CategoryConfig maps a category to its provider list and selection strategy.
type CategoryConfig struct {
	Providers       []ProviderRef
	Strategy        string
	FallbackEnabled bool
}

// Config is the router's static configuration, supplied at construction.
type Config struct {
	Categories           map[string]CategoryConfig
	ModelMappings        map[string]map[string]string // category → input model → target model
	LongContextThreshold int
	SearchKeywords       []string
}

// Decision is the per-request routing outcome. It is never persisted beyond
// the request's lifetime.
type Decision struct {
	Category    string
	ProviderID  string
	TargetModel string
	Weight      int
	IsHealthy   bool
	AuthStatus  string
	Backups     []Backup
}

// Backup is an alternative provider the caller may retry on, most preferred
// first.
type Backup struct {
	Provider string
	Model    string
}

// NoHealthyProviderError is returned when a category's provider list filters
// down to nothing.
type NoHealthyProviderError struct {
	Category string
}

func (e *NoHealthyProviderError) Error() string {
	return fmt.Sprintf("no healthy provider for category %q", e.Category)
}

// Router classifies requests and selects a provider+model under the
// configured load-balancing strategy, constrained by circuit-breaker and
// key-pool state.
type Router struct {
	cfg        Config
	classifier *Classifier
	pools      map[string]*keypool.Pool
	breakers   map[string]*Breaker
	sink       diag.Sink

	mu         sync.Mutex
	rrCounters map[string]int
	rng        *rand.Rand
}

func NewRouter(cfg Config, pools map[string]*keypool.Pool, breakers map[string]*Breaker, sink diag.Sink) *Router {
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Router{
		cfg:        cfg,
		classifier: NewClassifier(cfg.LongContextThreshold, cfg.SearchKeywords),
		pools:      pools,
		breakers:   breakers,
		sink:       sink,
		rrCounters: make(map[string]int),
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

// Classify exposes the category classification for observability callers.
func (r *Router) Classify(req *canonical.Request) string {
	return r.classifier.Classify(req)
}

// Route runs the full per-request chain: classify, select the category
// config, filter and select a provider, then resolve the target model.
func (r *Router) Route(req *canonical.Request) (*Decision, error) {
	category := r.classifier.Classify(req)

	catCfg, ok := r.cfg.Categories[category]
	if !ok {
		// Unconfigured categories fall back to the default table.
		catCfg, ok = r.cfg.Categories[CategoryDefault]
		if !ok {
			return nil, &NoHealthyProviderError{Category: category}
		}
	}

	candidates := r.filterCandidates(catCfg.Providers)
	if len(candidates) == 0 && catCfg.FallbackEnabled && category != CategoryDefault {
		if defCfg, ok := r.cfg.Categories[CategoryDefault]; ok {
			candidates = r.filterCandidates(defCfg.Providers)
		}
	}
	if len(candidates) == 0 {
		err := &NoHealthyProviderError{Category: category}
		r.sink.HandleError(err)
		return nil, err
	}

	chosen := r.selectProvider(candidates, catCfg.Strategy)

	decision := &Decision{
		Category:    category,
		ProviderID:  chosen.Provider,
		TargetModel: r.selectModel(category, chosen, req),
		Weight:      chosen.Weight,
		IsHealthy:   true,
		AuthStatus:  "authenticated",
	}

	for _, ref := range sortByWeight(candidates) {
		if ref.Provider == chosen.Provider {
			continue
		}
		decision.Backups = append(decision.Backups, Backup{
			Provider: ref.Provider,
			Model:    r.selectModel(category, ref, req),
		})
	}

	return decision, nil
}

// filterCandidates keeps providers that are registered, authenticated and not
// behind an open breaker.
func (r *Router) filterCandidates(refs []ProviderRef) []ProviderRef {
	var out []ProviderRef
	for _, ref := range refs {
		pool, active := r.pools[ref.Provider]
		if !active || pool == nil {
			continue
		}
		if breaker, ok := r.breakers[ref.Provider]; ok && breaker.IsOpen() {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func (r *Router) selectProvider(candidates []ProviderRef, strategy string) ProviderRef {
	switch strategy {
	case StrategyRoundRobin:
		return r.selectRoundRobin(candidates)
	case StrategyLeastConnections:
		return r.selectLeastConnections(candidates)
	case StrategyRandom:
		r.mu.Lock()
		defer r.mu.Unlock()
		return candidates[r.rng.Intn(len(candidates))]
	default:
		return r.selectWeighted(candidates)
	}
}

// selectWeighted draws a candidate with probability proportional to weight.
func (r *Router) selectWeighted(candidates []ProviderRef) ProviderRef {
	total := 0
	for _, ref := range candidates {
		if ref.Weight > 0 {
			total += ref.Weight
		} else {
			total++
		}
	}

	r.mu.Lock()
	draw := r.rng.Intn(total)
	r.mu.Unlock()

	for _, ref := range candidates {
		w := ref.Weight
		if w <= 0 {
			w = 1
		}
		if draw < w {
			return ref
		}
		draw -= w
	}
	return candidates[len(candidates)-1]
}

// selectRoundRobin rotates through the candidate set. The counter is keyed by
// the candidate-set signature so a provider dropping out of one set does not
// skew rotation in another.
func (r *Router) selectRoundRobin(candidates []ProviderRef) ProviderRef {
	names := make([]string, len(candidates))
	for i, ref := range candidates {
		names[i] = ref.Provider
	}
	sort.Strings(names)
	key := strings.Join(names, ",")

	r.mu.Lock()
	idx := r.rrCounters[key] % len(candidates)
	r.rrCounters[key]++
	r.mu.Unlock()

	return candidates[idx]
}

// selectLeastConnections picks the provider with the fewest in-flight
// requests according to its key pool.
func (r *Router) selectLeastConnections(candidates []ProviderRef) ProviderRef {
	chosen := candidates[0]
	best := r.inFlight(chosen.Provider)
	for _, ref := range candidates[1:] {
		if n := r.inFlight(ref.Provider); n < best {
			chosen = ref
			best = n
		}
	}
	return chosen
}

func (r *Router) inFlight(provider string) int {
	if pool, ok := r.pools[provider]; ok {
		return pool.InFlight()
	}
	return 0
}

// selectModel prefers an explicit model mapping for the category, then the
// model configured for the category/provider pair, then the request's
// original model string.
func (r *Router) selectModel(category string, ref ProviderRef, req *canonical.Request) string {
	if mappings, ok := r.cfg.ModelMappings[category]; ok {
		if mapped, ok := mappings[req.Model]; ok && mapped != "" {
			return mapped
		}
	}
	if ref.Model != "" {
		return ref.Model
	}
	return req.Model
}

// IsProviderAvailable reports whether the provider's breaker admits traffic.
func (r *Router) IsProviderAvailable(provider string) bool {
	breaker, ok := r.breakers[provider]
	if !ok {
		return true
	}
	return !breaker.IsOpen()
}

// ReportProviderSuccess feeds a successful call outcome into the breaker and
// key pool.
func (r *Router) ReportProviderSuccess(provider string) {
	if breaker, ok := r.breakers[provider]; ok {
		breaker.RecordSuccess()
	}
}

// ReportProviderFailure advances the breaker; crossing the threshold opens it.
func (r *Router) ReportProviderFailure(provider string) {
	if breaker, ok := r.breakers[provider]; ok {
		breaker.RecordFailure()
	}
}

// Pool returns the key pool for a provider, when registered.
func (r *Router) Pool(provider string) (*keypool.Pool, bool) {
	pool, ok := r.pools[provider]
	return pool, ok
}

func sortByWeight(refs []ProviderRef) []ProviderRef {
	out := make([]ProviderRef, len(refs))
	copy(out, refs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}
