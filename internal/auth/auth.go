// Package auth mints and verifies the signaling credential the agent
// presents to the relay: a short-lived HS256 JWT carrying the user and
// device identity. The relay shares the secret and uses the same claims to
// route call events to the right device.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

const issuer = "amora-call-agent"

// Claims is the signaling token payload. `sub` is the user ID; DeviceID
// distinguishes multiple installs of one account.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Minter issues signaling tokens from the provisioned shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewMinter(secret string, ttl time.Duration) (*Minter, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: ttl must be > 0")
	}
	return &Minter{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Mint returns a signed token and its expiry time.
func (m *Minter) Mint(userID, deviceID string) (string, time.Time, error) {
	if userID == "" || deviceID == "" {
		return "", time.Time{}, errors.New("auth: userID and deviceID are required")
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Identity is the verified content of a signaling token.
type Identity struct {
	UserID   string
	DeviceID string
}

// Verify parses and validates a signaling token against the shared secret.
func Verify(secret, token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.DeviceID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
