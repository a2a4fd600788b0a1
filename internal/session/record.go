package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vietddude/netsession/internal/core/domain"
)

// Persisted session record versions.
//
//	v1: {"token":"<jwt>"} or a bare JWT string; one credential, no refresh token.
//	v2: {"version":2,"pair":{...}}
const (
	recordV1      = 1
	recordV2      = 2
	recordCurrent = recordV2
)

type record struct {
	Version int                    `json:"version"`
	Pair    *domain.CredentialPair `json:"pair,omitempty"`
	Token   string                 `json:"token,omitempty"`
}

// encodeRecord serializes pair in the current record format.
func encodeRecord(pair *domain.CredentialPair) (string, error) {
	data, err := json.Marshal(record{Version: recordCurrent, Pair: pair})
	if err != nil {
		return "", fmt.Errorf("encode session record: %w", err)
	}
	return string(data), nil
}

// migrateRecord decodes any known record format into a pair. migrated is
// true when raw was not already in the current format and must be written back.
func migrateRecord(raw string) (pair *domain.CredentialPair, migrated bool, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false, fmt.Errorf("%w: empty", ErrMalformedRecord)
	}

	if !strings.HasPrefix(trimmed, "{") {
		pair, err := fromLegacyToken(strings.Trim(trimmed, `"`))
		return pair, true, err
	}

	var rec record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	switch {
	case rec.Version == recordV2:
		if rec.Pair == nil || !rec.Pair.Valid() {
			return nil, false, fmt.Errorf("%w: incomplete v2 pair", ErrMalformedRecord)
		}
		return rec.Pair, false, nil

	case rec.Version == 0 || rec.Version == recordV1:
		if rec.Token == "" {
			return nil, false, fmt.Errorf("%w: legacy record without token", ErrMalformedRecord)
		}
		pair, err := fromLegacyToken(rec.Token)
		return pair, true, err

	default:
		return nil, false, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecord, rec.Version)
	}
}

// fromLegacyToken upgrades a single-token credential. The token doubles as
// its own refresh credential and its exp claim bounds both lifetimes.
func fromLegacyToken(token string) (*domain.CredentialPair, error) {
	exp, err := DecodeExpiry(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &domain.CredentialPair{
		AccessToken:      token,
		RefreshToken:     token,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: exp,
	}, nil
}
