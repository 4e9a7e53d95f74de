// Package wsauth verifies a bearer JWT carried by an incoming WebSocket
// upgrade request, for use as a pkg/wsserver OnConnect admission hook.
package wsauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies the bearer token on an opening-handshake request
// and extracts its claims for the caller to inspect (e.g. from a later
// OnConnect hook, or stashed on the request context).
type Authenticator struct {
	keyFunc jwt.Keyfunc
	header  string
	parser  *jwt.Parser
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHeader overrides the header the bearer token is read from. Defaults
// to "Authorization", expecting the standard "Bearer <token>" form.
func WithHeader(name string) Option {
	return func(a *Authenticator) { a.header = name }
}

// NewHMAC builds an Authenticator that verifies tokens signed with a shared
// HMAC secret (HS256/HS384/HS512).
func NewHMAC(secret []byte, opts ...Option) *Authenticator {
	return newAuthenticator(func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q, want HMAC", t.Method.Alg())
		}
		return secret, nil
	}, opts...)
}

// NewRSA builds an Authenticator that verifies tokens signed with the
// matching private key's public counterpart (RS256/RS384/RS512).
func NewRSA(publicKey any, opts ...Option) *Authenticator {
	return newAuthenticator(func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q, want RSA", t.Method.Alg())
		}
		return publicKey, nil
	}, opts...)
}

func newAuthenticator(keyFunc jwt.Keyfunc, opts ...Option) *Authenticator {
	a := &Authenticator{
		keyFunc: keyFunc,
		header:  "Authorization",
		parser:  jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512"})),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify extracts and validates the bearer token from r, returning its
// claims on success. It's meant to be called from (or wrapped by) a
// pkg/wsserver.OnConnect hook, which maps a non-nil error to 403 Forbidden.
func (a *Authenticator) Verify(r *http.Request) (jwt.MapClaims, error) {
	raw := r.Header.Get(a.header)
	if raw == "" {
		return nil, errors.New("missing bearer token")
	}
	raw, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, errors.New("authorization header is not a bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("bearer token failed validation")
	}

	return claims, nil
}

// OnConnect adapts Verify to the pkg/wsserver.OnConnect signature, for
// direct assignment to wsserver.Config.OnConnect.
func (a *Authenticator) OnConnect(r *http.Request) error {
	_, err := a.Verify(r)
	return err
}
