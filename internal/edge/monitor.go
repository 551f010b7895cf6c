package edge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor tracks upstream reachability and triggers queue draining on the
// offline→online transition. Transitions can come from the periodic probe
// or from the proxy reporting an observed request outcome.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger

	mu        sync.Mutex
	online    bool
	onOnline  func()
	onOffline func()
}

func NewMonitor(probeURL string, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
		online:   true,
	}
}

// OnOnline registers the callback fired on the offline→online transition.
// It runs on its own goroutine; callers do not await it.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// OnOffline registers the callback fired on the online→offline transition.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = fn
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// MarkOnline records that a request reached the upstream.
func (m *Monitor) MarkOnline() { m.set(true) }

// MarkOffline records that a request could not reach the upstream.
func (m *Monitor) MarkOffline() { m.set(false) }

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	onOnline, onOffline := m.onOnline, m.onOffline
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.log.Info().Msg("connectivity restored")
		if onOnline != nil {
			// Fire and forget: draining must not block the caller.
			go onOnline()
		}
	} else {
		m.log.Warn().Msg("connectivity lost")
		if onOffline != nil {
			onOffline()
		}
	}
}

// Probe performs a single reachability check against the upstream.
func (m *Monitor) Probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.set(false)
		return
	}
	resp.Body.Close()
	m.set(resp.StatusCode < http.StatusInternalServerError)
}

// Run probes the upstream at the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
