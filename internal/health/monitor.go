// Package health tracks per-tier liveness. The monitor's view is
// advisory: the fallback chain always retries every tier in precedence
// order, so a stale DEAD flag can never mask a recovered backend.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the health of one tier. There is no intermediate "suspect"
// state: a failed probe is DEAD, a successful one is ALIVE. Flapping is
// acceptable because every probe and data call is bounded by a short
// timeout.
type State int

const (
	StateAlive State = iota
	StateDead
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Pinger is the slice of the tier contract the monitor needs.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Snapshot is a point-in-time view of tier health.
type Snapshot struct {
	Tiers   map[string]bool `json:"tiers"`
	Overall bool            `json:"overall"`
}

// Monitor probes each tier and keeps the last observed state. It can run
// on a ticker via Run and is also usable synchronously via Check.
type Monitor struct {
	mu     sync.RWMutex
	states map[string]State
	errs   map[string]error
	last   time.Time

	tiers        []Pinger
	probeTimeout time.Duration
	interval     time.Duration
	logger       *zap.Logger
}

// NewMonitor creates a monitor over tiers in fallback precedence order.
func NewMonitor(tiers []Pinger, probeTimeout, interval time.Duration, logger *zap.Logger) *Monitor {
	states := make(map[string]State, len(tiers))
	for _, t := range tiers {
		states[t.Name()] = StateUnknown
	}
	return &Monitor{
		states:       states,
		errs:         make(map[string]error, len(tiers)),
		tiers:        tiers,
		probeTimeout: probeTimeout,
		interval:     interval,
		logger:       logger,
	}
}

// Check probes every tier once and returns the resulting snapshot. Each
// probe is bounded by the probe timeout, so a full check takes at most
// probeTimeout x len(tiers).
func (m *Monitor) Check(ctx context.Context) Snapshot {
	for _, t := range m.tiers {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := t.Ping(probeCtx)
		cancel()
		m.record(t.Name(), err)
	}

	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()

	return m.Snapshot()
}

func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.states[name]
	if err != nil {
		m.errs[name] = err
		m.states[name] = StateDead
		if prev == StateAlive || prev == StateUnknown {
			m.logger.Warn("tier went dead",
				zap.String("tier", name), zap.Error(err))
		}
		return
	}

	delete(m.errs, name)
	m.states[name] = StateAlive
	if prev == StateDead {
		m.logger.Info("tier recovered", zap.String("tier", name))
	}
}

// Snapshot returns the last observed state without probing. An UNKNOWN
// tier (never probed) reports as not alive.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Tiers: make(map[string]bool, len(m.states))}
	for name, state := range m.states {
		alive := state == StateAlive
		snap.Tiers[name] = alive
		snap.Overall = snap.Overall || alive
	}
	return snap
}

// LastError returns the most recent probe error for a tier, if any.
func (m *Monitor) LastError(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errs[name]
}

// Run probes on the configured interval until ctx is cancelled. An
// immediate first check runs before the ticker starts.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
