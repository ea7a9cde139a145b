// Package auth validates the bearer tokens that clients present when they
// open a relay connection.
//
// Tokens are HMAC-signed JWT minted by the web application for a user that
// already holds a session. The relay shares the signing secret, so it can
// check a token without calling back to the application. A token is only
// accepted if its purpose claim matches the connection purpose, so that a
// session token lifted from a cookie cannot be replayed here.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/permission"
	jwt "github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoSecret is returned when the authenticator has no secret to check signatures with
	ErrNoSecret = errors.New("no secret configured")

	// ErrMissingToken is returned when no token was presented
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken is returned for tokens that fail to parse or have a bad signature
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpired is returned for tokens past their expiry, or without one
	ErrExpired = errors.New("token expired")

	// ErrNotYetValid is returned for tokens with a not-before in the future
	ErrNotYetValid = errors.New("token not yet valid")

	// ErrWrongPurpose is returned for tokens minted for something other than connecting
	ErrWrongPurpose = errors.New("wrong token purpose")

	// ErrMissingUser is returned for tokens that do not name a user
	ErrMissingUser = errors.New("token missing user id")
)

// Identity represents a validated token
type Identity struct {
	UserID    string
	Purpose   string
	ExpiresAt time.Time
}

// Authenticator checks connection tokens against a shared secret
type Authenticator struct {
	secret []byte

	purpose string

	// Now gets the time - useful for mocking in test
	Now func() time.Time
}

// New returns an Authenticator using secret, accepting the default purpose
func New(secret string) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		purpose: permission.DefaultPurpose,
		Now:     time.Now,
	}
}

// WithPurpose sets the purpose claim that tokens must carry
func (a *Authenticator) WithPurpose(purpose string) *Authenticator {
	a.purpose = purpose
	return a
}

// WithNow sets the function used to get the current time
func (a *Authenticator) WithNow(now func() time.Time) *Authenticator {
	a.Now = now
	return a
}

// Purpose returns the purpose claim this Authenticator accepts
func (a *Authenticator) Purpose() string {
	return a.purpose
}

// Verify returns the identity in the token, or an error explaining why the token
// was rejected. It has no side effects, so a rejected token can be logged and
// the connection closed by the caller.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {

	if len(a.secret) == 0 {
		return Identity{}, ErrNoSecret
	}

	tokenString = strings.TrimSpace(tokenString)

	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	// time-based claims are checked below against a.Now so that they can be tested
	parser := &jwt.Parser{
		ValidMethods:         []string{"HS256", "HS384", "HS512"},
		SkipClaimsValidation: true,
	}

	claims := &permission.Token{}

	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		log.WithField("error", err.Error()).Trace("error parsing token")
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	now := a.Now()

	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(now, true) {
		return Identity{}, ErrExpired
	}

	if !claims.VerifyNotBefore(now, false) {
		return Identity{}, ErrNotYetValid
	}

	if claims.Purpose != a.purpose {
		log.WithFields(log.Fields{"purpose": claims.Purpose, "wanted": a.purpose}).Trace("token purpose mismatch")
		return Identity{}, ErrWrongPurpose
	}

	if claims.UserID == "" {
		return Identity{}, ErrMissingUser
	}

	return Identity{
		UserID:    claims.UserID,
		Purpose:   claims.Purpose,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
