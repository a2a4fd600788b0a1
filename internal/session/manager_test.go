package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/infra/kv/memory"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// refreshServer is a mock backend renewal endpoint.
type refreshServer struct {
	*httptest.Server
	calls   atomic.Int32
	status  atomic.Int32
	body    atomic.Value // string; overrides the generated response
	delay   time.Duration
	clock   clockwork.Clock
	lastReq atomic.Value // string
}

func newRefreshServer(t *testing.T, clock clockwork.Clock) *refreshServer {
	t.Helper()
	rs := &refreshServer{clock: clock, delay: 50 * time.Millisecond}
	rs.status.Store(http.StatusOK)
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := rs.calls.Add(1)
		if r.URL.Path != RefreshPath || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		rs.lastReq.Store(req.RefreshToken)

		time.Sleep(rs.delay)

		status := int(rs.status.Load())
		if body, ok := rs.body.Load().(string); ok && body != "" {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"code":"REFRESH_DENIED","message":"Please sign in again"}}`))
			return
		}
		now := rs.clock.Now()
		_ = json.NewEncoder(w).Encode(refreshResponse{
			AccessToken:           "access-" + string(rune('0'+n)),
			RefreshToken:          "refresh-" + string(rune('0'+n)),
			AccessTokenExpiresAt:  now.Add(time.Hour).Format(time.RFC3339),
			RefreshTokenExpiresAt: now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		})
	}))
	t.Cleanup(rs.Close)
	return rs
}

type fixture struct {
	clock  *clockwork.FakeClock
	store  *memory.Store
	server *refreshServer
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	store := memory.NewStore(0)
	server := newRefreshServer(t, clock)
	mgr := NewManager(store, NewHTTPRefresher(server.URL, server.Client()), Config{}, WithClock(clock))
	return &fixture{clock: clock, store: store, server: server, mgr: mgr}
}

func (f *fixture) storePair(t *testing.T, accessIn, refreshIn time.Duration) {
	t.Helper()
	require.NoError(t, f.mgr.StoreNewPair(context.Background(), domain.CredentialPair{
		AccessToken:      "access-0",
		RefreshToken:     "refresh-0",
		AccessExpiresAt:  f.clock.Now().Add(accessIn),
		RefreshExpiresAt: f.clock.Now().Add(refreshIn),
	}))
}

func (f *fixture) stored(t *testing.T) (string, bool) {
	t.Helper()
	raw, found, err := f.store.Get(context.Background(), kv.KeySession)
	require.NoError(t, err)
	return raw, found
}

func TestManager_NoCredential(t *testing.T) {
	f := newFixture(t)

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.ErrorIs(t, err, ErrCredentialAbsent)
	assert.Empty(t, token)
	assert.Zero(t, f.server.calls.Load())
}

func TestManager_FreshCredentialNoRenewal(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Hour, 24*time.Hour)

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-0", token)
	assert.Zero(t, f.server.calls.Load())
}

func TestManager_SingleFlightRenewal(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, 3*time.Minute, 24*time.Hour)

	const callers = 3
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = f.mgr.GetUsableCredential(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), f.server.calls.Load(), "exactly one renewal round trip")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
	assert.Equal(t, "refresh-0", f.server.lastReq.Load())

	raw, found := f.stored(t)
	require.True(t, found)
	assert.Contains(t, raw, `"accessToken":"access-1"`)
	assert.Contains(t, raw, `"version":2`)
}

func TestManager_ManyConcurrentCallersShareOutcome(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Minute, 24*time.Hour)

	const callers = 25
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := f.mgr.GetUsableCredential(context.Background())
			if err != nil || token != "access-1" {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.server.calls.Load())
	assert.Zero(t, failures.Load())
}

func TestManager_RefreshExpiredWipes(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Hour, time.Minute)

	var expired atomic.Int32
	f.mgr.OnSessionExpired(func() { expired.Add(1) })

	f.clock.Advance(2 * time.Minute)

	_, err := f.mgr.GetUsableCredential(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	c := apierr.Classify(err, nil)
	assert.Equal(t, apierr.CodeSessionExpired, c.Code)
	assert.False(t, c.Retryable)

	_, found := f.stored(t)
	assert.False(t, found)
	assert.Equal(t, int32(1), expired.Load())
	assert.Zero(t, f.server.calls.Load())

	_, err = f.mgr.GetUsableCredential(context.Background())
	require.ErrorIs(t, err, ErrCredentialAbsent)
}

func TestManager_RenewalFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantWiped bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantWiped: true},
		{name: "forbidden", status: http.StatusForbidden, wantWiped: true},
		{name: "bad request", status: http.StatusBadRequest, wantWiped: true},
		{name: "ok with invalid body", status: http.StatusOK, body: `{"accessToken":""}`, wantWiped: true},
		{name: "ok with non json body", status: http.StatusOK, body: `<html>`, wantWiped: true},
		{name: "server error", status: http.StatusBadGateway},
		{name: "unavailable", status: http.StatusServiceUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.storePair(t, 3*time.Minute, 24*time.Hour)
			f.server.status.Store(int32(tt.status))
			if tt.body != "" {
				f.server.body.Store(tt.body)
			}
			var expired atomic.Int32
			f.mgr.OnSessionExpired(func() { expired.Add(1) })

			token, err := f.mgr.GetUsableCredential(context.Background())
			assert.Equal(t, int32(1), f.server.calls.Load())

			_, found := f.stored(t)
			assert.Equal(t, !tt.wantWiped, found)
			if tt.wantWiped {
				require.ErrorIs(t, err, ErrSessionExpired)
				assert.Empty(t, token)
				assert.False(t, apierr.Classify(err, nil).Retryable)
				assert.Equal(t, int32(1), expired.Load())
				return
			}

			// The access credential still has three minutes left.
			require.NoError(t, err)
			assert.Equal(t, "access-0", token)
			assert.Zero(t, expired.Load())
		})
	}
}

func TestManager_TransientFailureWithExpiredAccess(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, -time.Minute, 24*time.Hour)
	f.server.status.Store(http.StatusServiceUnavailable)

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.Error(t, err)
	assert.Empty(t, token)
	assert.NotErrorIs(t, err, ErrSessionExpired)
	assert.True(t, apierr.Classify(err, nil).Retryable)

	_, found := f.stored(t)
	assert.True(t, found)
}

func TestManager_TransportFailureKeepsSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	store := memory.NewStore(0)
	mgr := NewManager(store, NewHTTPRefresher("http://127.0.0.1:1", nil), Config{}, WithClock(clock))
	require.NoError(t, mgr.StoreNewPair(context.Background(), domain.CredentialPair{
		AccessToken:      "a",
		RefreshToken:     "r",
		AccessExpiresAt:  testNow.Add(time.Minute),
		RefreshExpiresAt: testNow.Add(time.Hour),
	}))

	token, err := mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", token)

	// A forced renewal has no credential to fall back to.
	_, err = mgr.ForceRenew(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.Classify(err, nil).Retryable)

	pair, err := mgr.Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "a", pair.AccessToken)
}

func TestManager_StoreReadFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Hour, 24*time.Hour)

	f.clock.Advance(2 * time.Second)
	f.store.FailNext(errors.New("disk i/o error"))

	_, err := f.mgr.GetUsableCredential(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrSessionExpired)
	c := apierr.Classify(err, nil)
	assert.True(t, c.Retryable)
	assert.Equal(t, apierr.CodeStoreUnavailable, c.Code)

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-0", token)
}

func TestManager_ForceRenew(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Hour, 24*time.Hour)

	token, err := f.mgr.ForceRenew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), f.server.calls.Load())

	// A caller still holding the rejected token gets the renewed one without a second round trip.
	token, err = f.mgr.ForceRenewFor(context.Background(), "access-0")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), f.server.calls.Load())
}

func TestManager_LegacyRecordMigrated(t *testing.T) {
	f := newFixture(t)
	legacy := tokenExpiring(t, testNow.Add(2*time.Hour))
	require.NoError(t, f.store.Set(context.Background(), kv.KeySession, legacy))
	writes := f.store.Writes()

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, legacy, token)
	assert.Equal(t, writes+1, f.store.Writes(), "migrated record written back once")

	raw, found := f.stored(t)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(raw, `{"version":2`))

	f.clock.Advance(2 * time.Second)
	_, err = f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, writes+1, f.store.Writes(), "already migrated record is not rewritten")
}

func TestManager_MalformedRecordIsAbsent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(context.Background(), kv.KeySession, `{"version":2,"pair":`))

	_, err := f.mgr.GetUsableCredential(context.Background())
	require.ErrorIs(t, err, ErrCredentialAbsent)
}

func TestManager_CacheTTL(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Hour, 24*time.Hour)

	replacement, err := encodeRecord(&domain.CredentialPair{
		AccessToken:      "external",
		RefreshToken:     "external-refresh",
		AccessExpiresAt:  testNow.Add(time.Hour),
		RefreshExpiresAt: testNow.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), kv.KeySession, replacement))

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-0", token, "served from cache within TTL")

	f.clock.Advance(1500 * time.Millisecond)
	token, err = f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "external", token)
}

func TestManager_StoreFailureKeepsRenewedPairInMemory(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Minute, 24*time.Hour)

	f.clock.Advance(2 * time.Second)
	// Both reads succeed, the write of the renewed pair fails.
	f.store.FailNext(nil, nil, errors.New("disk full"))

	token, err := f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	f.clock.Advance(5 * time.Second)
	token, err = f.mgr.GetUsableCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), f.server.calls.Load())
}

func TestManager_StoreNewPairValidates(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.StoreNewPair(context.Background(), domain.CredentialPair{AccessToken: "a"})
	require.ErrorIs(t, err, ErrInvalidPair)
}

func TestManager_Clear(t *testing.T) {
	f := newFixture(t)
	f.storePair(t, time.Hour, 24*time.Hour)
	var expired atomic.Int32
	f.mgr.OnSessionExpired(func() { expired.Add(1) })

	require.NoError(t, f.mgr.Clear(context.Background()))

	_, err := f.mgr.GetUsableCredential(context.Background())
	require.ErrorIs(t, err, ErrCredentialAbsent)
	assert.Zero(t, expired.Load())
}
