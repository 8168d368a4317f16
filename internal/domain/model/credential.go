package model

import "time"

// OAuthCredential is the official feed's token pair. Owned exclusively by the
// official source client; the vault stores it as opaque bytes.
type OAuthCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token exists and has not expired.
func (c OAuthCredential) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// NearExpiry reports whether the token expires within margin. Refreshing
// ahead of expiry avoids a guaranteed 401 round-trip.
func (c OAuthCredential) NearExpiry(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}

// SessionCredential is the informal feed's ephemeral session. The session id
// has a fixed validity window starting at CreatedAt.
type SessionCredential struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether a session id is present at all.
func (c SessionCredential) Valid() bool {
	return c.SessionID != ""
}

// NearExpiry reports whether the session's remaining lifetime is within
// margin of its fixed ttl, i.e. it should be renewed before the next request.
func (c SessionCredential) NearExpiry(now time.Time, ttl, margin time.Duration) bool {
	return !now.Add(margin).Before(c.CreatedAt.Add(ttl))
}
