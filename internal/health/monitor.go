// Package health tracks backend reachability for the mounted filesystem.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prismfs/prismfs/pkg/types"
)

// State classifies backend reachability.
type State int

const (
	// StateHealthy means recent probes succeeded.
	StateHealthy State = iota

	// StateDegraded means probes are failing but below the unavailable
	// threshold.
	StateDegraded

	// StateUnavailable means the backend has failed enough consecutive
	// probes that operations are expected to fail.
	StateUnavailable
)

// String returns the state's short description.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Config controls probe cadence and state thresholds.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// DegradedThreshold is the consecutive probe failures before the state
	// leaves healthy. UnavailableThreshold marks the backend unreachable.
	DegradedThreshold    int `yaml:"degraded_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		Timeout:              10 * time.Second,
		DegradedThreshold:    2,
		UnavailableThreshold: 5,
	}
}

// Snapshot is a point-in-time view of backend health.
type Snapshot struct {
	State             State     `json:"state"`
	LastProbe         time.Time `json:"last_probe"`
	LastStateChange   time.Time `json:"last_state_change"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Monitor probes the backend on a fixed interval and derives a health state
// from consecutive failures.
type Monitor struct {
	backend types.Backend
	config  Config
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	lastErr  error
	probed   time.Time
	changed  time.Time

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewMonitor creates a monitor for backend.
func NewMonitor(backend types.Backend, config Config, logger *slog.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = 2
	}
	if config.UnavailableThreshold <= config.DegradedThreshold {
		config.UnavailableThreshold = config.DegradedThreshold + 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		backend: backend,
		config:  config,
		logger:  logger.With("component", "health"),
		state:   StateHealthy,
		changed: time.Now(),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins background probing.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.stopped
}

// Probe runs one health check immediately and folds the result into the
// state machine.
func (m *Monitor) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	err := m.backend.HealthCheck(probeCtx)
	m.record(err)
	return err
}

// Snapshot returns the current health view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:             m.state,
		LastProbe:         m.probed,
		LastStateChange:   m.changed,
		ConsecutiveErrors: m.failures,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Monitor) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			_ = m.Probe(context.Background())
		}
	}
}

func (m *Monitor) record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.probed = time.Now()
	m.lastErr = err

	if err == nil {
		m.failures = 0
		m.transition(StateHealthy)
		return
	}

	m.failures++
	switch {
	case m.failures >= m.config.UnavailableThreshold:
		m.transition(StateUnavailable)
	case m.failures >= m.config.DegradedThreshold:
		m.transition(StateDegraded)
	}
}

func (m *Monitor) transition(next State) {
	if m.state == next {
		return
	}

	m.logger.Warn("backend health state changed",
		"from", m.state.String(),
		"to", next.String(),
		"consecutive_errors", m.failures)

	m.state = next
	m.changed = time.Now()
}
