// Package permission describes the claims carried by connection tokens
package permission

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// DefaultPurpose is the purpose claim reserved for connection tokens.
// Session tokens minted for ordinary page requests carry a different
// (or no) purpose, and must not open a relay connection.
const DefaultPurpose = "ws"

// DefaultLifetime is how long a connection token is valid for after minting.
const DefaultLifetime = 60 * time.Second

// Token represents the claims in a connection token
type Token struct {

	// UserID identifies the user that the token was minted for,
	// and becomes the identity attached to the connection
	UserID string `json:"userId"`

	// Purpose restricts where the token can be used;
	// the relay only accepts DefaultPurpose (or whatever it is configured with)
	Purpose string `json:"purpose"`

	jwt.RegisteredClaims `yaml:",omitempty"`
}

// NewToken returns a Token populated with the supplied information
func NewToken(userID, purpose string, iat, exp int64) Token {

	return Token{
		UserID:  userID,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Unix(iat, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
		},
	}
}

// NewConnectionToken returns a token for userID with the default purpose,
// valid from now for lifetime
func NewConnectionToken(userID string, now time.Time, lifetime time.Duration) Token {
	return NewToken(userID, DefaultPurpose, now.Unix(), now.Add(lifetime).Unix())
}

// Sign returns the HS256-signed, compact serialisation of the token
func (t Token) Sign(secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, t).SignedString([]byte(secret))
}

// HasRequiredClaims returns false if the Token is missing any required elements
func HasRequiredClaims(token Token) bool {

	if token.UserID == "" ||
		token.Purpose == "" ||
		token.RegisteredClaims.ExpiresAt == nil ||
		token.RegisteredClaims.ExpiresAt.IsZero() {
		return false
	}
	return true
}
