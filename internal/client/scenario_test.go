package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/infra/kv/memory"
	"github.com/vietddude/netsession/internal/network"
	"github.com/vietddude/netsession/internal/queue"
	"github.com/vietddude/netsession/internal/session"
)

type switchSource struct {
	mu sync.Mutex
	fn func(domain.ConnectivityEvent)
}

func (s *switchSource) Subscribe(fn func(domain.ConnectivityEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	return func() {}
}

func (s *switchSource) set(online bool) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	fn(domain.ConnectivityEvent{IsConnected: online, IsInternetReachable: online})
}

type fixedProber struct{}

func (fixedProber) Reachable(ctx context.Context) error { return nil }

func (fixedProber) Download(ctx context.Context) (int64, time.Duration, error) {
	return 50_000, time.Second, nil
}

// An offline POST /bookings is queued without an attempt and delivered once
// after connectivity returns, before the next drain tick.
func TestScenario_OfflineBookingDrainedAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		mu.Lock()
		keys = append(keys, r.Header.Get(queue.HeaderRequestID))
		mu.Unlock()
		assert.Equal(t, "/bookings", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(0)

	sessions := session.NewManager(store, session.NewHTTPRefresher(b.URL, nil), session.Config{}, session.WithClock(clock))
	require.NoError(t, sessions.StoreNewPair(ctx, domain.CredentialPair{
		AccessToken:      "access",
		RefreshToken:     "refresh",
		AccessExpiresAt:  clock.Now().Add(time.Hour),
		RefreshExpiresAt: clock.Now().Add(48 * time.Hour),
	}))

	source := &switchSource{}
	monitor := network.NewMonitor(fixedProber{}, network.Config{}, network.WithSource(source), network.WithClock(clock))

	api := New(Config{BaseURL: b.URL}, sessions, monitor, nil, WithClock(clock))
	q := queue.New(store, api, sessions, monitor, queue.Config{}, queue.WithClock(clock))
	api.SetQueue(q)
	monitor.OnOnlineReady(func(context.Context) { q.TriggerDrain() })

	monitor.Start(ctx)
	defer monitor.Stop()
	q.Start(ctx)
	defer func() { _ = q.Stop(context.Background()) }()

	source.set(false)
	require.Eventually(t, func() bool { return !monitor.IsOnline() }, time.Second, 5*time.Millisecond)

	res, err := api.Do(ctx, domain.Request{
		Method:   http.MethodPost,
		Endpoint: "/bookings",
		Body:     []byte(`{"providerId":"p-7","slot":"2026-03-04T09:00:00Z"}`),
	}, Options{Queueable: true, Priority: domain.PriorityCritical})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Zero(t, b.hits.Load())

	source.set(true)
	require.Eventually(t, func() bool { return q.Status().Size == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), b.hits.Load())
	assert.Equal(t, domain.BandModerate, monitor.CurrentBand(), "probe ran before the drain")

	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), b.hits.Load(), "delivered exactly once")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 1)
	assert.NotEmpty(t, keys[0])
}

func TestScenario_RefreshOutageInsideBufferUsesCurrentCredential(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		if r.URL.Path == session.RefreshPath {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))
	sessions := session.NewManager(memory.NewStore(0), session.NewHTTPRefresher(b.URL, nil), session.Config{}, session.WithClock(clock))
	require.NoError(t, sessions.StoreNewPair(ctx, domain.CredentialPair{
		AccessToken:      "access",
		RefreshToken:     "refresh",
		AccessExpiresAt:  clock.Now().Add(3 * time.Minute),
		RefreshExpiresAt: clock.Now().Add(48 * time.Hour),
	}))

	api := New(Config{BaseURL: b.URL}, sessions, newStubNet(), nil, WithClock(clock))
	res, err := api.Do(ctx, domain.Request{Method: http.MethodGet, Endpoint: "/bookings"}, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, []string{"", "Bearer access"}, b.auths, "one renewal attempt, then the API call")
}

func TestScenario_SessionStoreFailureQueuesWrite(t *testing.T) {
	b := newBackend(t, status(http.StatusCreated, ""))

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(0)
	sessions := session.NewManager(store, session.NewHTTPRefresher(b.URL, nil), session.Config{}, session.WithClock(clock))
	require.NoError(t, sessions.StoreNewPair(ctx, domain.CredentialPair{
		AccessToken:      "access",
		RefreshToken:     "refresh",
		AccessExpiresAt:  clock.Now().Add(time.Hour),
		RefreshExpiresAt: clock.Now().Add(48 * time.Hour),
	}))

	net := newStubNet()
	api := New(Config{BaseURL: b.URL}, sessions, net, nil, WithClock(clock))
	q := queue.New(store, api, sessions, &queueConditions{net}, queue.Config{PersistDebounce: time.Hour}, queue.WithClock(clock))
	api.SetQueue(q)

	// Past the session cache, the next read of the session record fails.
	clock.Advance(2 * time.Second)
	store.FailNext(errors.New("disk i/o error"))

	res, err := api.Do(ctx, domain.Request{
		Method:   http.MethodPost,
		Endpoint: "/bookings",
		Body:     []byte(`{"slot":"2026-03-04T09:00:00Z"}`),
	}, Options{Queueable: true, Priority: domain.PriorityCritical})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Zero(t, b.hits.Load())

	q.Drain(ctx)
	assert.Equal(t, int32(1), b.hits.Load())
	assert.Zero(t, q.Status().Size)
}

// queueConditions adapts stubNet to the queue, which also needs a band.
type queueConditions struct{ *stubNet }

func (queueConditions) CurrentBand() domain.Band { return domain.BandFast }
