package domain

import "time"

// TokenExpirySkew is how early a token is treated as expired
const TokenExpirySkew = 60 * time.Second

// OAuthToken is the marketplace credential pair, keyed by client id
type OAuthToken struct {
	ClientID     string    `bson:"_id" json:"-"`
	AccessToken  string    `bson:"accessToken" json:"-"`
	RefreshToken string    `bson:"refreshToken" json:"-"`
	TokenType    string    `bson:"tokenType,omitempty" json:"-"`
	ExpiresAt    time.Time `bson:"expiresAt" json:"expiresAt"`
	UserID       int64     `bson:"userId,omitempty" json:"userId,omitempty"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}

// ValidAt reports whether the token can still be used at now, allowing for clock skew
func (t *OAuthToken) ValidAt(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return now.Add(TokenExpirySkew).Before(t.ExpiresAt)
}

// Status describes the token without revealing it
func (t *OAuthToken) Status(now time.Time) TokenStatus {
	if t == nil {
		return TokenStatus{}
	}
	expiresAt := t.ExpiresAt
	return TokenStatus{
		Valid:     t.ValidAt(now),
		ExpiresAt: &expiresAt,
		UserID:    t.UserID,
	}
}

// TokenStatus is the diagnostic view of the stored token
type TokenStatus struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UserID    int64      `json:"user_id,omitempty"`
}
