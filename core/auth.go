package core

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator checks that an issuance request comes from the trusted
// upstream service holding the shared secret.
type Authenticator struct {
	secret   []byte
	allowJWT bool
}

func NewAuthenticator(secret string, allowJWT bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), allowJWT: allowJWT}
}

// Verify accepts the raw X-API-Secret header value and, when JWT support is
// enabled, the Authorization header as a fallback.
func (a *Authenticator) Verify(apiSecret, authorization string) error {
	if len(a.secret) == 0 {
		return ErrUnauthorized
	}
	if apiSecret != "" {
		if subtle.ConstantTimeCompare([]byte(apiSecret), a.secret) == 1 {
			return nil
		}
		return ErrUnauthorized
	}
	if a.allowJWT && strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		if err := a.verifyJWT(strings.TrimSpace(authorization[7:])); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil
	}
	return ErrUnauthorized
}

func (a *Authenticator) verifyJWT(raw string) error {
	tok, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("invalid jwt")
	}
	return nil
}
