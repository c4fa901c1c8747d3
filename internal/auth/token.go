package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/prn-tf/nautilus/internal/pkg/crypto"
)

const (
	keyInfo = "nautilus user cookie v1"
	issuer  = "nautilus"
)

// Issuer signs and verifies user tokens.
// Tokens are HS256 JWTs whose subject is the user ID.
type Issuer struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewIssuer derives the signing key from secret.
// A zero maxAge issues tokens without expiry.
func NewIssuer(secret string, maxAge time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	key, err := crypto.DeriveKey([]byte(secret), keyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	return &Issuer{key: key, maxAge: maxAge, now: time.Now}, nil
}

// MaxAge returns the token lifetime.
func (i *Issuer) MaxAge() time.Duration {
	return i.maxAge
}

// Issue returns a signed token for userID.
func (i *Issuer) Issue(userID uuid.UUID) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  userID.String(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if i.maxAge > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.maxAge))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns the user ID it carries.
func (i *Issuer) Parse(token string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}
