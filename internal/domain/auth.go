package domain

import "time"

// Token is an upstream bearer token and the instant the cache stops handing
// it out.
type Token struct {
	Value     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// ValidAt reports whether the token may still be handed out at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}
