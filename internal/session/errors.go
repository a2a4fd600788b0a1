package session

import (
	"errors"

	"github.com/vietddude/netsession/internal/apierr"
)

var (
	// ErrCredentialAbsent means no credential pair is stored; the user never signed in.
	ErrCredentialAbsent = apierr.ErrCredentialAbsent

	// ErrSessionExpired means the refresh credential expired or the server rejected
	// the renewal. The application must present sign-in.
	ErrSessionExpired = apierr.ErrSessionExpired

	// ErrStoreUnavailable wraps a failed read or write of the session record.
	// It classifies as retryable, so queued work waits instead of being dropped.
	ErrStoreUnavailable = apierr.ErrStoreUnavailable

	// ErrMalformedCredential is returned when a token's expiry claim cannot be decoded.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrMalformedRecord is returned when a persisted session record cannot be decoded.
	ErrMalformedRecord = errors.New("malformed session record")

	// ErrInvalidPair is returned when a pair is missing required fields.
	ErrInvalidPair = errors.New("invalid credential pair")

	// ErrInvalidRenewal is returned when the refresh endpoint answers 2xx with an unusable body.
	ErrInvalidRenewal = errors.New("invalid renewal response")
)
