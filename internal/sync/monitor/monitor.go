// Package monitor watches connectivity and drives the sync engine: it
// probes the remote service, reacts to saved-record events, and runs a
// periodic retry loop while online.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/showtrack/internal/logging"
	"github.com/kimhsiao/showtrack/internal/store"
	syncpkg "github.com/kimhsiao/showtrack/internal/sync"
)

// Prober checks whether the remote service is reachable.
type Prober interface {
	Ping(ctx context.Context) bool
}

// Config holds monitor timing configuration.
type Config struct {
	ProbeInterval time.Duration // how often connectivity is re-checked
	RetryInterval time.Duration // how often queued work is retried while online
}

// DefaultConfig returns the default monitor timings.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 30 * time.Second,
		RetryInterval: 30 * time.Second,
	}
}

// Monitor owns the background goroutines around the sync engine.
type Monitor struct {
	engine        *syncpkg.Engine
	store         *store.Store
	prober        Prober
	broadcaster   syncpkg.Broadcaster
	probeInterval time.Duration
	retryInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
}

// New creates a Monitor. A nil config uses DefaultConfig.
func New(engine *syncpkg.Engine, st *store.Store, prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		engine:        engine,
		store:         st,
		prober:        prober,
		probeInterval: config.ProbeInterval,
		retryInterval: config.RetryInterval,
	}
}

// SetBroadcaster attaches an event sink for connectivity changes.
func (m *Monitor) SetBroadcaster(b syncpkg.Broadcaster) {
	m.broadcaster = b
}

// Start performs an initial connectivity probe, then launches the probe
// loop, the retry loop, and the save-event listener. A stopped monitor
// can be started again.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.SetOnline(m.prober.Ping(ctx))

	m.wg.Add(3)
	go m.probeLoop(ctx, stopCh)
	go m.retryLoop(ctx, stopCh)
	go m.eventLoop(ctx, stopCh)

	logging.Info("connectivity monitor started", map[string]interface{}{
		"online":         m.engine.Online(),
		"probe_interval": m.probeInterval.String(),
		"retry_interval": m.retryInterval.String(),
	})
}

// Stop shuts the background goroutines down gracefully.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()

	logging.Info("connectivity monitor stopped", nil)
}

// SetOnline records a connectivity observation. A transition from offline
// to online triggers an immediate sync attempt.
func (m *Monitor) SetOnline(online bool) {
	wasOnline := m.engine.Online()
	m.engine.SetOnline(online)

	if wasOnline == online {
		return
	}

	logging.Info("connectivity changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})
	if m.broadcaster != nil {
		event := EventWentOffline
		if online {
			event = EventWentOnline
		}
		m.broadcaster.Broadcast(event, map[string]interface{}{"online": online})
	}

	if online {
		go m.engine.AttemptSync(context.Background())
	}
}

// Connectivity events published through the Broadcaster.
const (
	EventWentOnline  = "connectivity.online"
	EventWentOffline = "connectivity.offline"
)

// probeLoop periodically re-checks reachability of the remote service.
func (m *Monitor) probeLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.SetOnline(m.prober.Ping(ctx))
		}
	}
}

// retryLoop re-attempts queued work on a fixed interval while online, so
// entries waiting out a backoff window eventually get dispatched.
func (m *Monitor) retryLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !m.engine.Online() {
				continue
			}
			if !m.store.HasPendingChanges() {
				continue
			}
			go m.engine.AttemptSync(ctx)
		}
	}
}

// eventLoop reacts to newly saved records: each save triggers a sync
// attempt while online, so captures flow out as soon as they land.
func (m *Monitor) eventLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev := <-m.store.Events():
			if !m.engine.Online() {
				logging.Debug("record saved while offline, queued", map[string]interface{}{
					"kind":  string(ev.Kind),
					"token": ev.Token,
				})
				continue
			}
			go m.engine.AttemptSync(ctx)
		}
	}
}
