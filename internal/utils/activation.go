package utils

import (
	"fmt"
	"time"

	"account_service/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// ActivationTTL is how long a pending registration stays redeemable.
const ActivationTTL = 15 * time.Minute

// ActivationClaims carry a pending registration inside a signed token.
type ActivationClaims struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// ActivationCodec signs and verifies activation tokens. It uses its own
// secret so a session token can never be redeemed as an activation token.
type ActivationCodec struct {
	secretKey string
	ttl       time.Duration
}

func NewActivationCodec(secretKey string, ttl time.Duration) *ActivationCodec {
	return &ActivationCodec{secretKey: secretKey, ttl: ttl}
}

// TTL is how long tokens from this codec stay valid.
func (c *ActivationCodec) TTL() time.Duration {
	return c.ttl
}

// Sign packs the pending registration into a token expiring after the codec's TTL.
func (c *ActivationCodec) Sign(p model.PendingRegistration) (string, error) {
	now := time.Now()
	claims := &ActivationClaims{
		Name:     p.Name,
		Username: p.Username,
		Email:    p.Email,
		Password: p.Password,
		Avatar:   p.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   p.Email,
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign activation token: %w", err)
	}
	return tokenString, nil
}

// Verify checks signature and expiry and decodes the pending registration.
func (c *ActivationCodec) Verify(tokenString string) (*model.PendingRegistration, error) {
	claims := &ActivationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(c.secretKey), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse activation token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid activation token")
	}
	if claims.Email == "" || claims.Username == "" || claims.Password == "" {
		return nil, fmt.Errorf("activation token is missing registration fields")
	}

	return &model.PendingRegistration{
		Name:     claims.Name,
		Username: claims.Username,
		Email:    claims.Email,
		Password: claims.Password,
		Avatar:   claims.Avatar,
	}, nil
}
