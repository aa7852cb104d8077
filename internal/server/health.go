package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/promptgate/internal/metrics"
)

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 5 * time.Second
)

// Prober checks one provider. providers.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, provider string) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthCheckerOptions configures NewHealthChecker.
type HealthCheckerOptions struct {
	// Providers are the ids probed on every tick.
	Providers []string
	Prober    Prober

	// RedisReady reports Redis reachability. Nil means Redis is not used.
	RedisReady func(ctx context.Context) bool

	Interval time.Duration
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// HealthChecker probes the configured providers in the background and
// exposes the latest results.
type HealthChecker struct {
	opts    HealthCheckerOptions
	baseCtx context.Context

	providerStatuses map[string]*componentStatus
	redisStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker runs a first probe synchronously, so the status is never
// "unknown" once it returns, and then keeps probing every Interval until
// Close.
func NewHealthChecker(ctx context.Context, opts HealthCheckerOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hc := &HealthChecker{
		opts:             opts,
		baseCtx:          ctx,
		providerStatuses: make(map[string]*componentStatus, len(opts.Providers)),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}
	for _, id := range opts.Providers {
		hc.providerStatuses[id] = &componentStatus{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Redis         string            `json:"redis"`
}

// Snapshot builds a snapshot from the latest probe results. The overall
// status is "ok" only when every component is.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for id, s := range hc.providerStatuses {
		st := s.get()
		provs[id] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	redis := hc.redisStatus.get()
	if redis == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Redis:         redis,
	}
}

// ReadinessOK reports whether the gateway can serve: Redis (when used) is
// reachable and at least one provider answered its last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	if hc.redisStatus.get() == "down" {
		return false
	}
	for _, s := range hc.providerStatuses {
		if s.get() == "ok" {
			return true
		}
	}
	return len(hc.providerStatuses) == 0
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for id, s := range hc.providerStatuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := hc.opts.Prober.Probe(ctx, id)
			if err != nil {
				s.set("degraded")
				hc.opts.Logger.Warn("provider_probe_failed",
					slog.String("provider", id),
					slog.String("error", err.Error()),
				)
			} else {
				s.set("ok")
			}
			if hc.opts.Metrics != nil {
				hc.opts.Metrics.SetProviderHealth(id, err == nil)
			}
		}()
	}

	// Nil probe means Redis is not configured → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.opts.RedisReady == nil || hc.opts.RedisReady(ctx) {
			hc.redisStatus.set("ok")
		} else {
			hc.redisStatus.set("down")
		}
	}()

	wg.Wait()
}
