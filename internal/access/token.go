package access

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/colabio/collab-core/internal/collab"
)

// claims is the shape of the bearer token issued by the (out-of-scope)
// auth service. Token *issuance* is not this package's concern; it only
// verifies and extracts.
type claims struct {
	UID      string `json:"uid"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenResolver verifies a bearer JWT and resolves it to a Principal. It is
// a token->principal resolver, kept deliberately narrow instead of defining
// an authentication scheme.
type TokenResolver struct {
	keyFunc jwt.Keyfunc
}

// NewHMACTokenResolver builds a TokenResolver that verifies HS256 tokens
// against a single shared secret.
func NewHMACTokenResolver(secret []byte) *TokenResolver {
	return &TokenResolver{
		keyFunc: func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("access: unexpected signing method %v", t.Method)
			}
			return secret, nil
		},
	}
}

// Resolve verifies token and returns the Principal it asserts.
func (r *TokenResolver) Resolve(token string) (collab.Principal, error) {
	var c claims
	var _, err = jwt.ParseWithClaims(token, &c, r.keyFunc, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return collab.Principal{}, fmt.Errorf("access: invalid token: %w", err)
	}
	if c.UID == "" || c.DeviceID == "" {
		return collab.Principal{}, fmt.Errorf("access: token missing uid/device_id claims")
	}
	return collab.Principal{UID: c.UID, DeviceID: c.DeviceID}, nil
}
