package syncer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dali-labs/dali-sync/internal/offline"
	"go.uber.org/zap"
)

const defaultDebounce = 5 * time.Second

// TriggerFunc schedules a sync pass. The engine's single-flight guard makes
// redundant triggers harmless.
type TriggerFunc func()

// ProbeFunc reports whether the remote is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// MonitorConfig wires the monitor's dependencies.
type MonitorConfig struct {
	State    *offline.State
	Trigger  TriggerFunc
	Debounce time.Duration
	Logger   *zap.Logger
}

// Monitor observes connectivity transitions and fires a recovery sync on
// the offline-to-online edge. Flapping links are debounced: the online
// state has to hold for the stability window before the trigger fires,
// keeping recovery well inside the 30 second reaction target.
type Monitor struct {
	state    *offline.State
	trigger  TriggerFunc
	debounce time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewMonitor validates dependencies and constructs a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.State == nil {
		return nil, errMissingState
	}
	if cfg.Trigger == nil {
		return nil, errMissingTrigger
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Monitor{
		state:    cfg.State,
		trigger:  cfg.Trigger,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// HandleChange records a connectivity observation. An offline-to-online
// edge arms the debounce timer; going offline disarms it so a blip never
// triggers a pass.
func (m *Monitor) HandleChange(online bool) {
	wasOnline := m.state.IsOnline()
	m.state.SetOnline(online)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !online {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		if wasOnline {
			m.logger.Info("connectivity lost")
		}
		return
	}

	if wasOnline {
		return
	}

	m.logger.Info("connectivity restored, scheduling recovery sync",
		zap.Duration("debounce", m.debounce))
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		if m.state.IsOnline() {
			m.trigger()
		}
	})
}

// Run polls reachability until the context is cancelled, feeding
// observations into HandleChange. It substitutes for a platform
// connectivity callback where none exists.
func (m *Monitor) Run(ctx context.Context, probe ProbeFunc, interval time.Duration) {
	if probe == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.timer != nil {
				m.timer.Stop()
				m.timer = nil
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			online := probe(ctx)
			if online != m.state.IsOnline() {
				m.HandleChange(online)
			}
		}
	}
}

// HTTPProbe builds a ProbeFunc that considers the remote reachable when
// the given URL answers at all. Any HTTP status counts; only transport
// failure means offline.
func HTTPProbe(probeURL string, timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
		if err != nil {
			return false
		}
		response, err := client.Do(request)
		if err != nil {
			return false
		}
		response.Body.Close() //nolint:errcheck
		return true
	}
}
