package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/client"
	"github.com/vietddude/netsession/internal/core/config"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/network"
	"github.com/vietddude/netsession/internal/queue"
	"github.com/vietddude/netsession/internal/session"
)

const defaultOpenTimeout = 5 * time.Second

// ErrAlreadyStarted is returned when Start is called on a running App.
var ErrAlreadyStarted = errors.New("app already started")

// App owns every component instance and their lifecycle. There is one App
// per process; components never reach for package-level singletons.
type App struct {
	cfg    *config.AppConfig
	log    *slog.Logger
	store  kv.Store
	closer io.Closer

	sessions *session.Manager
	monitor  *network.Monitor
	client   *client.Client
	queue    *queue.Queue
	server   *Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Option customizes an App.
type Option func(*options)

type options struct {
	clock      clockwork.Clock
	store      kv.Store
	source     network.ConnectivitySource
	httpClient *http.Client
	log        *slog.Logger
}

// WithClock sets the clock shared by every component.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses s instead of opening the configured backend.
func WithStore(s kv.Store) Option {
	return func(o *options) { o.store = s }
}

// WithConnectivitySource subscribes the monitor to platform connectivity
// notifications instead of polling.
func WithConnectivitySource(s network.ConnectivitySource) Option {
	return func(o *options) { o.source = s }
}

// WithHTTPClient sets the HTTP client used for API calls, renewal and probes.
func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.httpClient = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// NewApp wires the session manager, network monitor, API client and request
// queue from cfg.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	o := options{
		clock: clockwork.NewRealClock(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	store, closer := o.store, io.Closer(nopCloser{})
	if store == nil {
		var err error
		store, closer, err = OpenStore(ctx, cfg.Store, o.log)
		if err != nil {
			return nil, err
		}
	}

	refresher := session.NewHTTPRefresher(cfg.API.BaseURL, o.httpClient)
	sessions := session.NewManager(store, refresher, cfg.Session,
		session.WithClock(o.clock),
		session.WithLogger(o.log),
	)

	prober := network.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.BandwidthURL, o.httpClient, o.clock)
	monitorOpts := []network.Option{network.WithClock(o.clock), network.WithLogger(o.log)}
	if o.source != nil {
		monitorOpts = append(monitorOpts, network.WithSource(o.source))
	}
	monitor := network.NewMonitor(prober, cfg.Network, monitorOpts...)

	api := client.New(cfg.API, sessions, monitor, nil,
		client.WithHTTPClient(o.httpClient),
		client.WithClock(o.clock),
		client.WithLogger(o.log),
	)
	q := queue.New(store, api, sessions, monitor, cfg.Queue,
		queue.WithClock(o.clock),
		queue.WithLogger(o.log),
	)
	api.SetQueue(q)

	app := &App{
		cfg:      cfg,
		log:      o.log.With("component", "app"),
		store:    store,
		closer:   closer,
		sessions: sessions,
		monitor:  monitor,
		client:   api,
		queue:    q,
	}

	monitor.OnOnlineReady(func(context.Context) { q.TriggerDrain() })
	q.OnExhausted(app.reportExhausted)
	sessions.OnSessionExpired(func() {
		app.log.Warn("Session ended, sign-in required")
	})

	if cfg.Server.Port > 0 {
		app.server = NewServer(app, cfg.Server.Port)
	}
	return app, nil
}

// Start rehydrates the queue and starts the monitor, drain loop and server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}

	if err := a.queue.Load(ctx); err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.monitor.Start(ctx)
	a.queue.Start(ctx)

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}

	a.started = true
	a.log.Info("Netsession started", "api", a.cfg.API.BaseURL, "queue_size", a.queue.Status().Size)
	return nil
}

// Stop flushes the queue and releases every resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Info("Stopping netsession...")

	var errs []error
	if a.started {
		if a.server != nil {
			if err := a.server.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop server: %w", err))
			}
		}
		a.monitor.Stop()
		if err := a.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush queue: %w", err))
		}
		a.cancel()
		a.started = false
	}

	if err := a.closer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Client returns the API client.
func (a *App) Client() *client.Client { return a.client }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Monitor returns the network monitor.
func (a *App) Monitor() *network.Monitor { return a.monitor }

// Queue returns the request queue.
func (a *App) Queue() *queue.Queue { return a.queue }

func (a *App) reportExhausted(req domain.QueuedRequest, c apierr.Classification) {
	a.log.Warn("Queued request could not be delivered",
		"id", req.ID,
		"method", req.Method,
		"endpoint", req.Endpoint,
		"retries", req.RetryCount,
		"category", c.Category,
		"user_message", c.UserMessage,
	)
}
