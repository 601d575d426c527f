package domain

import "time"

// Token is an upstream access token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can be used at now. A zero expiry means the
// upstream did not provide one and the token must be renewed.
func (t Token) Valid(now time.Time) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt)
}
