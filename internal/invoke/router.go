package invoke

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/metadata-extractor/internal/resilience"
)

// Backend produces raw model output for one call. Implementations must echo
// call.CorrelationID in the response.
type Backend interface {
	Generate(ctx context.Context, call Call) (*Response, error)
}

// Route binds a preset to its backend and request rate.
type Route struct {
	Backend Backend
	RPS     float64 // <= 0 means unlimited
	Burst   int
}

// Router dispatches calls to the backend registered for the call's preset.
type Router struct {
	mu       sync.RWMutex
	backends map[string]Backend
	limiters map[string]*rate.Limiter
	breakers *resilience.Breakers
}

// NewRouter creates an empty router. breakers may be nil to disable circuit
// breaking.
func NewRouter(breakers *resilience.Breakers) *Router {
	return &Router{
		backends: make(map[string]Backend),
		limiters: make(map[string]*rate.Limiter),
		breakers: breakers,
	}
}

// Register adds or replaces the route for preset.
func (r *Router) Register(preset string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backends[preset] = route.Backend
	delete(r.limiters, preset)
	if route.RPS > 0 {
		burst := route.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[preset] = rate.NewLimiter(rate.Limit(route.RPS), burst)
	}
}

// Breakers returns the circuit breaker registry, or nil.
func (r *Router) Breakers() *resilience.Breakers {
	return r.breakers
}

// Presets returns the registered preset names in sorted order.
func (r *Router) Presets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether preset has a route.
func (r *Router) Has(preset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[preset]
	return ok
}

// Invoke implements Invoker. Waiting for the rate limiter honours ctx; once
// the call is issued it runs to completion or call.Timeout, regardless of ctx.
func (r *Router) Invoke(ctx context.Context, call Call) (*Response, error) {
	r.mu.RLock()
	backend, ok := r.backends[call.Preset]
	limiter := r.limiters[call.Preset]
	r.mu.RUnlock()

	if !ok {
		return nil, transportError(call, eris.Errorf("invoke: unknown preset %q", call.Preset))
	}

	if err := ctx.Err(); err != nil {
		return nil, transportError(call, eris.Wrap(ErrNotIssued, err.Error()))
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, transportError(call, eris.Wrapf(ErrNotIssued, "rate limit wait: %v", err))
		}
	}

	callCtx := context.WithoutCancel(ctx)
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, call.Timeout)
		defer cancel()
	}

	generate := func(ctx context.Context) (*Response, error) {
		resp, err := backend.Generate(ctx, call)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Text) == "" {
			return nil, eris.New("invoke: empty model output")
		}
		return resp, nil
	}

	var (
		resp *Response
		err  error
	)
	if r.breakers != nil {
		resp, err = resilience.ExecuteVal(callCtx, r.breakers.Get(call.Preset), generate)
	} else {
		resp, err = generate(callCtx)
	}
	if err != nil {
		zap.L().Debug("model call failed",
			zap.String("preset", call.Preset),
			zap.String("correlation_id", call.CorrelationID),
			zap.Error(err),
		)
		return nil, transportError(call, err)
	}

	resp.Usage.LogCost(call.Preset, resp.Model, call.CorrelationID)
	return resp, nil
}
