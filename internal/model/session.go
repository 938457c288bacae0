package model

import "time"

// Credentials are what the user types at login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair is the decoded login/refresh response.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	UserID       string
}

// Session is the single active credential state.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Subject      string    `json:"subject"`
}

// ExpiresWithin reports whether the access token expires before now+skew.
// A zero ExpiresAt means the server never told us, so it never counts as expiring.
func (s Session) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}
