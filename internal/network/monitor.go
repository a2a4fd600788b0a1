// Package network tracks connectivity and classifies throughput into bands.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/metrics"
)

// Config holds monitor settings.
type Config struct {
	// ProbeURL answers HEAD requests for reachability polling.
	ProbeURL string `yaml:"probe_url"`
	// BandwidthURL serves a small fixed-size resource for bandwidth probes.
	BandwidthURL string `yaml:"bandwidth_url"`
	// ProbeInterval is the minimum spacing between bandwidth probes.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// PollInterval drives reachability polling when no connectivity source is available.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Alpha is the smoothing factor of the passive throughput average.
	Alpha float64 `yaml:"ema_alpha"`
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		PollInterval:  15 * time.Second,
		Alpha:         0.3,
	}
}

// ConnectivitySource delivers platform connectivity changes.
type ConnectivitySource interface {
	Subscribe(fn func(domain.ConnectivityEvent)) (unsubscribe func())
}

type listener struct {
	id int
	fn func(online bool)
}

// Monitor is the process-wide view of network conditions.
type Monitor struct {
	cfg    Config
	source ConnectivitySource
	prober Prober
	clock  clockwork.Clock
	log    *slog.Logger

	mu        sync.RWMutex
	online    bool
	kbps      float64
	band      domain.Band
	lastProbe time.Time

	listenerMu sync.Mutex
	nextID     int
	listeners  []listener
	readyHooks []func(ctx context.Context)

	// transitionMu keeps listener dispatch for one transition from
	// interleaving with the next.
	transitionMu sync.Mutex

	events      chan bool
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithSource subscribes to platform connectivity notifications instead of polling.
func WithSource(s ConnectivitySource) Option {
	return func(m *Monitor) { m.source = s }
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates a monitor. It assumes the device is online with an
// unknown band until told otherwise.
func NewMonitor(prober Prober, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}

	m := &Monitor{
		cfg:    cfg,
		prober: prober,
		clock:  clockwork.NewRealClock(),
		log:    slog.Default(),
		online: true,
		band:   domain.BandUnknown,
		events: make(chan bool, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "network")
	metrics.NetworkOnline.Set(1)
	metrics.NetworkBand.Set(float64(domain.BandUnknown))
	return m
}

// IsOnline reports the last known connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// CurrentBand returns the current throughput band.
func (m *Monitor) CurrentBand() domain.Band {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.band
}

// EstimateKbps returns the smoothed throughput estimate, 0 when unknown.
func (m *Monitor) EstimateKbps() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kbps
}

// Observe feeds a completed request's size and duration into the estimate.
// Samples without a size or duration, or taken while offline, are ignored.
func (m *Monitor) Observe(sizeBytes int64, d time.Duration) {
	if sizeBytes <= 0 || d <= 0 {
		return
	}
	m.addSample(kbpsFor(sizeBytes, d))
}

// OnTransition registers fn for online/offline changes. Listeners run
// synchronously in registration order.
func (m *Monitor) OnTransition(fn func(online bool)) (unsubscribe func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnOnlineReady registers fn to run after an offline->online transition,
// once listeners have fired and the fresh probe has completed.
func (m *Monitor) OnOnlineReady(fn func(ctx context.Context)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.readyHooks = append(m.readyHooks, fn)
}

// Probe runs a bandwidth probe unless one ran within the probe interval.
func (m *Monitor) Probe(ctx context.Context) error {
	return m.probe(ctx, false)
}

func (m *Monitor) probe(ctx context.Context, force bool) error {
	if m.prober == nil {
		return nil
	}

	m.mu.Lock()
	now := m.clock.Now()
	if !force && !m.lastProbe.IsZero() && now.Sub(m.lastProbe) < m.cfg.ProbeInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastProbe = now
	m.mu.Unlock()

	size, elapsed, err := m.prober.Download(ctx)
	if err != nil {
		m.log.Debug("Bandwidth probe failed", "error", err)
		return err
	}
	if size <= 0 {
		return ErrProbeFailed
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	kbps := kbpsFor(size, elapsed)
	m.addSample(kbps)
	m.log.Debug("Bandwidth probe", "bytes", size, "elapsed", elapsed.String(), "kbps", kbps)
	return nil
}

// Start begins tracking connectivity, from the source when one is set and by
// polling otherwise.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.source != nil {
		m.unsubscribe = m.source.Subscribe(func(ev domain.ConnectivityEvent) {
			select {
			case m.events <- ev.Online():
			case <-ctx.Done():
			}
		})
	}

	m.wg.Add(1)
	go m.run(ctx)
	m.log.Info("Network monitor started", "polling", m.source == nil)
}

// Stop ends tracking and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	var poll <-chan time.Time
	if m.source == nil {
		ticker := m.clock.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.Chan()
		m.poll(ctx)
	}

	probeTicker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer probeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-m.events:
			m.apply(ctx, online)
		case <-poll:
			m.poll(ctx)
		case <-probeTicker.Chan():
			if m.IsOnline() {
				_ = m.Probe(ctx)
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	if m.prober == nil {
		return
	}
	err := m.prober.Reachable(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	m.apply(ctx, err == nil)
}

// apply records a connectivity observation and dispatches a transition if it changed.
func (m *Monitor) apply(ctx context.Context, online bool) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	prev := m.online
	m.online = online
	if !online {
		m.kbps = 0
		m.band = domain.BandUnknown
	}
	m.mu.Unlock()

	if prev == online {
		return
	}

	if online {
		metrics.NetworkOnline.Set(1)
		m.log.Info("Network online")
	} else {
		metrics.NetworkOnline.Set(0)
		metrics.NetworkBand.Set(float64(domain.BandUnknown))
		metrics.NetworkThroughput.Set(0)
		m.log.Warn("Network offline")
	}

	m.listenerMu.Lock()
	listeners := append([]listener(nil), m.listeners...)
	hooks := append(([]func(context.Context))(nil), m.readyHooks...)
	m.listenerMu.Unlock()

	for _, l := range listeners {
		l.fn(online)
	}
	if !online {
		return
	}

	_ = m.probe(ctx, true)
	for _, hook := range hooks {
		hook(ctx)
	}
}

// addSample folds kbps into the estimate. Samples that land while offline,
// such as a request that finished after the transition, are dropped so the
// band stays Unknown until the connection is back.
func (m *Monitor) addSample(kbps float64) {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	if m.kbps == 0 {
		m.kbps = kbps
	} else {
		m.kbps = m.cfg.Alpha*kbps + (1-m.cfg.Alpha)*m.kbps
	}
	prev := m.band
	m.band = domain.BandForKbps(m.kbps)
	est, band := m.kbps, m.band
	m.mu.Unlock()

	metrics.NetworkThroughput.Set(est)
	metrics.NetworkBand.Set(float64(band))
	if band != prev {
		m.log.Debug("Network band changed", "from", prev.String(), "to", band.String(), "kbps", est)
	}
}

func kbpsFor(sizeBytes int64, d time.Duration) float64 {
	return float64(sizeBytes) * 8 / 1000 / d.Seconds()
}
