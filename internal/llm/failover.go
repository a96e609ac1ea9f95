package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// maxCooldown caps the exponential backoff.
const maxCooldown = 5 * time.Minute

// providerState tracks failure history for one chain entry.
type providerState struct {
	consecutiveFailures int
	cooldownUntil       time.Time
	lastSuccess         time.Time
	totalRequests       int64
	totalErrors         int64
}

func (s *providerState) recordSuccess() {
	s.consecutiveFailures = 0
	s.cooldownUntil = time.Time{}
	s.lastSuccess = time.Now()
	s.totalRequests++
}

func (s *providerState) recordFailure(base time.Duration) {
	s.consecutiveFailures++
	s.totalRequests++
	s.totalErrors++

	// Exponential backoff: base * 2^(failures-1), capped at 5 minutes.
	cooldown := base
	for i := 1; i < s.consecutiveFailures && cooldown < maxCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	s.cooldownUntil = time.Now().Add(cooldown)
}

func (s *providerState) available(now time.Time) bool {
	return !now.Before(s.cooldownUntil)
}

// ProviderStats is a telemetry snapshot for status output.
type ProviderStats struct {
	Name                string
	ConsecutiveFailures int
	CooldownUntil       time.Time
	LastSuccess         time.Time
	TotalRequests       int64
	TotalErrors         int64
}

// Failover wraps an ordered provider chain. Each completion walks the
// chain skipping cooled-down entries; failures push an entry into
// exponential cooldown.
type Failover struct {
	mu         sync.Mutex
	providers  []Provider
	states     []*providerState
	base       time.Duration
	maxRetries int
	timeout    time.Duration
}

// NewFailover builds the chain. base is the first cooldown step
// (default 5s); maxRetries bounds attempts per completion (default 3).
func NewFailover(providers []Provider, base time.Duration, maxRetries int, timeout time.Duration) *Failover {
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	states := make([]*providerState, len(providers))
	for i := range states {
		states[i] = &providerState{}
	}
	return &Failover{
		providers:  providers,
		states:     states,
		base:       base,
		maxRetries: maxRetries,
		timeout:    timeout,
	}
}

// Name identifies the chain.
func (f *Failover) Name() string { return "failover" }

// Pricing returns the first available provider's pricing; cost
// attribution uses the serving provider via PricingFor instead.
func (f *Failover) Pricing() Pricing {
	if len(f.providers) > 0 {
		return f.providers[0].Pricing()
	}
	return Pricing{}
}

// PricingFor returns the pricing of the named chain entry.
func (f *Failover) PricingFor(name string) Pricing {
	for _, p := range f.providers {
		if p.Name() == name {
			return p.Pricing()
		}
	}
	return Pricing{}
}

// Complete walks the chain for a plain completion.
func (f *Failover) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f.run(ctx, req, func(ctx context.Context, p Provider) (*Response, error) {
		return p.Complete(ctx, req)
	})
}

// CompleteWithTools walks the chain for a tool completion.
func (f *Failover) CompleteWithTools(ctx context.Context, req *Request) (*Response, error) {
	return f.run(ctx, req, func(ctx context.Context, p Provider) (*Response, error) {
		return p.CompleteWithTools(ctx, req)
	})
}

func (f *Failover) run(ctx context.Context, req *Request, call func(context.Context, Provider) (*Response, error)) (*Response, error) {
	var lastErr error
	attempts := 0

	for attempts < f.maxRetries {
		idx := f.nextAvailable()
		if idx < 0 {
			break
		}
		attempts++
		provider := f.providers[idx]

		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		resp, err := call(callCtx, provider)
		cancel()

		f.mu.Lock()
		if err != nil {
			f.states[idx].recordFailure(f.base)
			until := f.states[idx].cooldownUntil
			f.mu.Unlock()
			logging.Get(logging.CategoryLLM).Warn("provider %s failed (cooldown until %s): %v",
				provider.Name(), until.Format(time.RFC3339), err)
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		f.states[idx].recordSuccess()
		f.mu.Unlock()
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAllProvidersDown, lastErr)
	}
	return nil, types.ErrAllProvidersDown
}

// nextAvailable returns the index of the first provider not in cooldown,
// or -1.
func (f *Failover) nextAvailable() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for i, st := range f.states {
		if st.available(now) {
			return i
		}
	}
	return -1
}

// Stats snapshots per-provider telemetry.
func (f *Failover) Stats() []ProviderStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProviderStats, len(f.providers))
	for i, st := range f.states {
		out[i] = ProviderStats{
			Name:                f.providers[i].Name(),
			ConsecutiveFailures: st.consecutiveFailures,
			CooldownUntil:       st.cooldownUntil,
			LastSuccess:         st.lastSuccess,
			TotalRequests:       st.totalRequests,
			TotalErrors:         st.totalErrors,
		}
	}
	return out
}
