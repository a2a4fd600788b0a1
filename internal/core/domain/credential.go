package domain

import "time"

// CredentialPair is the access/refresh credential pair issued on login and renewal.
// The server does not guarantee AccessExpiresAt <= RefreshExpiresAt.
type CredentialPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// AccessRemaining returns how long the access credential stays valid at now.
func (p *CredentialPair) AccessRemaining(now time.Time) time.Duration {
	return p.AccessExpiresAt.Sub(now)
}

// RefreshExpired reports whether the refresh credential is no longer usable.
func (p *CredentialPair) RefreshExpired(now time.Time) bool {
	return !now.Before(p.RefreshExpiresAt)
}

// Valid reports whether every field needed to use and renew the pair is present.
func (p *CredentialPair) Valid() bool {
	return p.AccessToken != "" &&
		p.RefreshToken != "" &&
		!p.AccessExpiresAt.IsZero() &&
		!p.RefreshExpiresAt.IsZero()
}
