// Package auth issues and validates the tokens queue users and workers
// authenticate with.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dontdude/verifyq/internal/domain"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Claims are the identity claims carried by a token.
type Claims struct {
	UID      string `json:"uid"`
	IsUser   bool   `json:"isUser,omitempty"`
	IsWorker bool   `json:"isWorker,omitempty"`
	Queue    string `json:"queue,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer. A ttl of 0 selects DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// UserToken returns a token for a user pushing tasks. An empty uid gets a
// random one.
func (i *Issuer) UserToken(uid string) (string, error) {
	if uid == "" {
		uid = uuid.NewString()
	}
	return i.sign(Claims{UID: uid, IsUser: true})
}

// WorkerToken returns a token for a new worker allowed on queue only.
func (i *Issuer) WorkerToken(queue string) (string, error) {
	return i.sign(Claims{UID: uuid.NewString(), IsWorker: true, Queue: queue})
}

func (i *Issuer) sign(c Claims) (string, error) {
	now := i.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   c.UID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Authenticator validates tokens signed with the shared secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate validates token and returns the identity it carries.
func (a *Authenticator) Authenticate(token string) (domain.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UID == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing uid", ErrInvalidToken)
	}

	return domain.Identity{
		UID:      claims.UID,
		IsUser:   claims.IsUser,
		IsWorker: claims.IsWorker,
		Queue:    claims.Queue,
	}, nil
}
