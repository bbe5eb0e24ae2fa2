package storage

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Signer issues short JWTs granting read access to one object key. The
// signing key is an HKDF derivation of the application secret.
type Signer struct {
	key []byte
}

type mediaClaims struct {
	Bucket string `json:"bkt"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("storage: invalid media token")

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("storage: signer secret is empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("storyteller media url v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive media key: %w", err)
	}
	return &Signer{key: key}, nil
}

func (s *Signer) Sign(bucket, key string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := mediaClaims{
		Bucket: bucket,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks the token was issued for exactly this bucket and key.
func (s *Signer) Verify(token, bucket, key string) error {
	var claims mediaClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != key || claims.Bucket != bucket {
		return ErrInvalidToken
	}
	return nil
}
