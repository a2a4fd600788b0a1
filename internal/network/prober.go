package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrProbeFailed is returned when a probe gets an unusable response.
var ErrProbeFailed = errors.New("probe failed")

// maxProbeBytes caps how much of the bandwidth resource is downloaded.
const maxProbeBytes = 512 << 10

// Prober issues the monitor's active measurements.
type Prober interface {
	// Reachable returns nil when the backend answered at all.
	Reachable(ctx context.Context) error
	// Download fetches the fixed-size probe resource and reports bytes read and elapsed time.
	Download(ctx context.Context) (int64, time.Duration, error)
}

// HTTPProber probes over HTTP: HEAD for reachability, GET for bandwidth.
type HTTPProber struct {
	reachURL    string
	downloadURL string
	http        *http.Client
	clock       clockwork.Clock
}

// NewHTTPProber creates a prober. A nil httpClient gets one with a 10s timeout.
func NewHTTPProber(reachURL, downloadURL string, httpClient *http.Client, clock clockwork.Clock) *HTTPProber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HTTPProber{
		reachURL:    reachURL,
		downloadURL: downloadURL,
		http:        httpClient,
		clock:       clock,
	}
}

// Reachable sends a HEAD request. Any HTTP status counts as reachable.
func (p *HTTPProber) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.reachURL, nil)
	if err != nil {
		return fmt.Errorf("build reachability probe: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Download fetches the probe resource.
func (p *HTTPProber) Download(ctx context.Context) (int64, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.downloadURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build bandwidth probe: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := p.clock.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, 0, fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("read bandwidth probe: %w", err)
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: empty body", ErrProbeFailed)
	}
	return n, p.clock.Since(start), nil
}
