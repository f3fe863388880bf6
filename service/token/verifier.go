// Package token validates the session tokens clients present in AUTH
// frames. The gateway never mints tokens; that is the auth service's job.
package token

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the identity a verified token carries.
type Claims struct {
	UserID    string
	DeviceID  string
	SessionID string
}

// Verifier checks a raw token and extracts its claims. Implementations must
// treat every failure mode (expiry, bad signature, wrong algorithm) as
// ErrInvalidToken; the caller closes the connection the same way regardless.
type Verifier interface {
	Verify(token string) (Claims, error)
}

type hmacVerifier struct {
	secret []byte
}

// NewHMACVerifier builds a Verifier for HS256-family tokens signed with the
// shared secret.
func NewHMACVerifier(secret []byte) Verifier {
	return &hmacVerifier{secret: secret}
}

func (v *hmacVerifier) Verify(raw string) (Claims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	c := Claims{
		UserID:    strClaim(mc, "sub"),
		DeviceID:  strClaim(mc, "did"),
		SessionID: strClaim(mc, "sid"),
	}
	if c.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

func strClaim(mc jwt.MapClaims, key string) string {
	if s, ok := mc[key].(string); ok {
		return s
	}
	return ""
}
