package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
)

// RefreshPath is the renewal endpoint relative to the API base URL.
const RefreshPath = "/auth/refresh"

// maxRefreshBody caps how much of a renewal response is read.
const maxRefreshBody = 1 << 20

// Refresher exchanges a refresh credential for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.CredentialPair, error)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	AccessTokenExpiresAt  string `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt"`
}

// HTTPRefresher calls the backend renewal endpoint. It deliberately does not
// go through the boundary client: renewal must never itself require a credential.
type HTTPRefresher struct {
	baseURL string
	http    *http.Client
}

// NewHTTPRefresher creates a refresher for the API at baseURL.
// A nil httpClient gets a client with a 30s timeout.
func NewHTTPRefresher(baseURL string, httpClient *http.Client) *HTTPRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRefresher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Refresh posts the refresh credential and validates the returned pair.
// Errors are *apierr.Error values so callers can tell transient failures from rejections.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*domain.CredentialPair, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.Classify(err, nil), fmt.Errorf("refresh: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
	if err != nil {
		return nil, apierr.New(apierr.Classify(err, nil), fmt.Errorf("read refresh response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c := apierr.Classify(nil, &apierr.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		})
		return nil, apierr.New(c, fmt.Errorf("refresh rejected with status %d", resp.StatusCode))
	}

	pair, err := parseRefreshResponse(body)
	if err != nil {
		return nil, apierr.New(apierr.Classify(apierr.ErrMalformedResponse, nil), err)
	}
	return pair, nil
}

func parseRefreshResponse(body []byte) (*domain.CredentialPair, error) {
	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRenewal, err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidRenewal)
	}

	accessExp, err := parseExpiry(out.AccessTokenExpiresAt)
	if err != nil {
		// Fall back to the access token's own exp claim.
		if accessExp, err = DecodeExpiry(out.AccessToken); err != nil {
			return nil, fmt.Errorf("%w: access expiry: %v", ErrInvalidRenewal, err)
		}
	}
	refreshExp, err := parseExpiry(out.RefreshTokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh expiry: %v", ErrInvalidRenewal, err)
	}

	return &domain.CredentialPair{
		AccessToken:      out.AccessToken,
		RefreshToken:     out.RefreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func parseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339, s)
}
