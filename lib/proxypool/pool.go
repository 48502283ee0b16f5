package proxypool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cardwatch-backend/lib/ratelimit"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("proxypool")

// DirectRoute is the no-proxy egress path. It is always a member of the
// pool and serves as the fallback when no candidate is known healthy.
const DirectRoute = "DIRECT"

type Config struct {
	// candidate route names, typically discovered from the control plane.
	// DirectRoute is added implicitly.
	Routes []string
	// control plane used to switch the active egress route. optional:
	// when nil the pool only ever selects DirectRoute.
	Control *Mihomo
	// URL probed through each candidate during health checks
	HealthCheckURL string
	// how recent a health check must be for a route to count as healthy
	Freshness time.Duration
}

// RouteStats is a snapshot of one route's counters.
type RouteStats struct {
	Name        string
	Attempts    int64
	Successes   int64
	RateLimits  int64
	Healthy     bool
	LastChecked time.Time
}

// SuccessRatio is the ranking metric for route selection.
func (s RouteStats) SuccessRatio() float64 {
	if s.Attempts == 0 {
		return 1
	}
	return float64(s.Successes) / float64(s.Attempts)
}

type routeRecord struct {
	name        string
	attempts    int64
	successes   int64
	rateLimits  int64
	healthy     bool
	lastChecked time.Time
}

// Pool health-scores a set of candidate egress routes and selects one
// for each request. Health checks gate selection but never feed the
// success-ratio counters, so probe traffic cannot skew scoring.
type Pool struct {
	cfg     Config
	control *Mihomo

	mu            sync.Mutex
	routes        map[string]*routeRecord
	order         []string
	current       string
	forceReselect bool
}

func NewPool(cfg Config) *Pool {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 15 * time.Minute
	}
	p := &Pool{
		cfg:     cfg,
		control: cfg.Control,
		routes:  map[string]*routeRecord{},
	}
	for _, name := range cfg.Routes {
		if name == DirectRoute {
			continue
		}
		p.routes[name] = &routeRecord{name: name}
		p.order = append(p.order, name)
	}
	p.routes[DirectRoute] = &routeRecord{name: DirectRoute}
	p.order = append(p.order, DirectRoute)
	return p
}

// Select returns the route the next request should use, switching the
// control plane over when the choice differs from the active route.
// Routes never checked healthy within the freshness window are skipped;
// when nothing qualifies the direct path is used.
func (p *Pool) Select(ctx context.Context) string {
	p.mu.Lock()

	if !p.forceReselect && p.current != "" {
		if rec, ok := p.routes[p.current]; ok && p.isSelectable(rec) {
			name := p.current
			p.mu.Unlock()
			return name
		}
	}
	p.forceReselect = false

	best := p.routes[DirectRoute]
	for _, name := range p.order {
		rec := p.routes[name]
		if name == DirectRoute || !p.isSelectable(rec) {
			continue
		}
		if best.name == DirectRoute || better(rec, best) {
			best = rec
		}
	}
	previous := p.current
	p.current = best.name
	p.mu.Unlock()

	// The selector group includes DIRECT as a member, so falling back is
	// a switch like any other; skipping it would leave the control plane
	// pointed at the route that just went bad.
	if best.name != previous && p.control != nil {
		err := p.control.Switch(ctx, best.name)
		if err != nil {
			slog.WarnContext(ctx, "failed to switch egress route, going direct",
				"route", best.name, "err", err)
			p.mu.Lock()
			p.current = DirectRoute
			p.mu.Unlock()
			if best.name != DirectRoute {
				if fallbackErr := p.control.Switch(ctx, DirectRoute); fallbackErr != nil {
					slog.WarnContext(ctx, "failed to point control plane at the direct route",
						"err", fallbackErr)
				}
			}
			return DirectRoute
		}
		slog.InfoContext(ctx, "switched egress route", "from", previous, "to", best.name)
	}
	return best.name
}

func (p *Pool) isSelectable(rec *routeRecord) bool {
	if rec.name == DirectRoute {
		return true
	}
	return rec.healthy && time.Since(rec.lastChecked) <= p.cfg.Freshness
}

func better(a, b *routeRecord) bool {
	ra := statsOf(a).SuccessRatio()
	rb := statsOf(b).SuccessRatio()
	if ra != rb {
		return ra > rb
	}
	// tie broken by fewest attempts to spread load
	return a.attempts < b.attempts
}

func statsOf(r *routeRecord) RouteStats {
	return RouteStats{
		Name:        r.name,
		Attempts:    r.attempts,
		Successes:   r.successes,
		RateLimits:  r.rateLimits,
		Healthy:     r.healthy,
		LastChecked: r.lastChecked,
	}
}

// Report updates the chosen route's counters with a request outcome. A
// throttle or server error on the active route forces a re-selection on
// the next call to Select.
func (p *Pool) Report(route string, outcome ratelimit.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.routes[route]
	if !ok {
		return
	}
	rec.attempts++
	switch outcome {
	case ratelimit.OutcomeOK, ratelimit.OutcomeClientError:
		// a client error still proves the route carried the request
		rec.successes++
	case ratelimit.OutcomeRateLimited:
		rec.rateLimits++
		p.forceReselect = true
	case ratelimit.OutcomeServerError:
		p.forceReselect = true
	}
}

// HealthCheckAll probes every candidate route independently and records
// pass/fail without touching the scoring counters. Safe to run
// concurrently with traffic-serving calls.
func (p *Pool) HealthCheckAll(ctx context.Context) map[string]bool {
	ctx, span := tracer.Start(ctx, "HealthCheckAll")
	defer span.End()

	p.mu.Lock()
	names := make([]string, len(p.order))
	copy(names, p.order)
	p.mu.Unlock()

	results := map[string]bool{}
	var wg sync.WaitGroup
	var resmu sync.Mutex

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ok := p.probe(ctx, name)

			p.mu.Lock()
			rec := p.routes[name]
			rec.healthy = ok
			rec.lastChecked = time.Now()
			p.mu.Unlock()

			resmu.Lock()
			results[name] = ok
			resmu.Unlock()
		}(name)
	}
	wg.Wait()

	return results
}

// KeepFresh re-probes every candidate on half the freshness window
// until ctx is cancelled, so passing results never age out of selection
// mid run and a recovered route can rejoin. Callers run it in its own
// goroutine after an initial HealthCheckAll.
func (p *Pool) KeepFresh(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Freshness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheckAll(ctx)
		}
	}
}

func (p *Pool) probe(ctx context.Context, name string) bool {
	if name == DirectRoute {
		// the direct path is probed with a plain request
		if p.control == nil {
			return true
		}
		return p.control.ProbeDirect(ctx, p.cfg.HealthCheckURL)
	}
	if p.control == nil {
		return false
	}
	return p.control.ProbeRoute(ctx, name, p.cfg.HealthCheckURL)
}

// Stats returns a snapshot of every route's counters, ordered as
// configured with the direct route last.
func (p *Pool) Stats() []RouteStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RouteStats, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, statsOf(p.routes[name]))
	}
	return out
}

// Current reports the active route.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == "" {
		return DirectRoute
	}
	return p.current
}
