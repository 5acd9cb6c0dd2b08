package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signerIssuer = "wardrobe-render"

var (
	ErrTokenExpired = errors.New("blob: url token expired")
	ErrTokenInvalid = errors.New("blob: url token invalid")
)

// URLSigner issues HS256 tokens that grant read access to one blob path.
type URLSigner struct {
	key []byte
	now func() time.Time
}

func NewURLSigner(key []byte) (*URLSigner, error) {
	if len(key) < 16 {
		return nil, errors.New("blob: signing key must be at least 16 bytes")
	}
	return &URLSigner{key: key, now: time.Now}, nil
}

// Sign returns a token for path that expires after ttl.
func (s *URLSigner) Sign(path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("blob: signed url ttl must be positive")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    signerIssuer,
		Subject:   path,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("blob: sign url: %w", err)
	}
	return token, nil
}

// Verify checks that token is valid, unexpired and issued for path.
func (s *URLSigner) Verify(token, path string) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signerIssuer),
		jwt.WithSubject(path),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}
	return nil
}
