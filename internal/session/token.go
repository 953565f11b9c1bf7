package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, forged and expired guest tokens
var ErrInvalidToken = errors.New("invalid guest token")

// GuestClaims represents the claims in a guest token
type GuestClaims struct {
	GuestID string `json:"guest_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies the opaque token a guest presents to resume
// its session.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for guestID valid for ttl
func (t *TokenIssuer) Issue(guestID string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := GuestClaims{
		GuestID: guestID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   guestID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign guest token: %w", err)
	}
	return signed, nil
}

// Verify returns the guest id a token was issued for
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	return t.parse(tokenString, jwt.WithTimeFunc(t.now))
}

// Identify checks the signature of a token but not its expiry. The caller
// decides from the session's own lastSeenAt whether an expired token may
// still resume it.
func (t *TokenIssuer) Identify(tokenString string) (string, error) {
	return t.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (t *TokenIssuer) parse(tokenString string, opts ...jwt.ParserOption) (string, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(tokenString, &GuestClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*GuestClaims)
	if !ok || !token.Valid || claims.GuestID == "" {
		return "", ErrInvalidToken
	}
	return claims.GuestID, nil
}
