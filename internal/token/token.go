// Package token issues and verifies the stateless access credential handed to
// admitted users. A token binds a queue name and user id to an expiry and is
// signed with HS256; any replica holding the secret can verify it.
//
// A valid token is a capability, not proof of admission: callers must still
// confirm admission against the store.
package token

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.Wrap(ErrInvalidToken, "token expired")
	ErrTokenMismatch = errors.Wrap(ErrInvalidToken, "token issued for another queue or user")
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 300 * time.Second

// Codec signs and verifies access tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec signing with secret.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	c := &Codec{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL reports the lifetime of issued tokens.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue returns a signed token for (queue, userID).
func (c *Codec) Issue(queue string, userID int64) (string, error) {
	now := c.now()
	claims := models.AccessClaims{
		Queue:  queue,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign access token")
	}
	return signed, nil
}

// Verify checks the signature and expiry of tokenString and that it was issued
// for exactly (queue, userID). Signature bytes are compared with hmac.Equal
// inside the jwt HMAC verifier.
func (c *Codec) Verify(tokenString, queue string, userID int64) error {
	if tokenString == "" {
		return ErrInvalidToken
	}

	claims := &models.AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case err != nil:
		return errors.Wrap(ErrInvalidToken, err.Error())
	}

	if claims.Queue != queue || claims.UserID != userID {
		return ErrTokenMismatch
	}
	return nil
}
