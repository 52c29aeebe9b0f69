// Package token issues and verifies attendance tokens.
//
// A token is an HS256 JWS binding a reservation, its holder and space, and the
// issuance instant. Its jti is an HMAC over those fields under a separate key,
// so tokens are deterministic for the same inputs yet cannot be guessed.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
)

// MinSecretLength is the shortest master secret accepted.
const MinSecretLength = 32

const defaultIssuer = "spacebook"

// Claims is the token payload.
type Claims struct {
	ReservationID string `json:"reservation_id"`
	HolderID      string `json:"holder_id"`
	SpaceID       string `json:"space_id"`
	jwt.RegisteredClaims
}

// Service signs and checks attendance tokens. Safe for concurrent use.
type Service struct {
	signingKey []byte
	nonceKey   []byte
	issuer     string
}

type Option func(*Service)

func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// New derives the signing and nonce keys from secret.
func New(secret string, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	signingKey, err := deriveKey(secret, "attendance-token/signing")
	if err != nil {
		return nil, err
	}
	nonceKey, err := deriveKey(secret, "attendance-token/nonce")
	if err != nil {
		return nil, err
	}
	s := &Service{signingKey: signingKey, nonceKey: nonceKey, issuer: defaultIssuer}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// Issue mints the token for a reservation.
func (s *Service) Issue(reservationID id.ReservationID, holderID id.HolderID, spaceID id.SpaceID, issuedAt time.Time) (string, error) {
	if reservationID.IsNil() || holderID.IsNil() || spaceID.IsNil() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "token subject ids are required")
	}
	claims := Claims{
		ReservationID: reservationID.String(),
		HolderID:      holderID.String(),
		SpaceID:       spaceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  reservationID.String(),
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	claims.ID = s.nonce(claims)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign attendance token")
	}
	return signed, nil
}

// Parse checks the signature, issuer and nonce and returns the claims.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "invalid attendance token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.IssuedAt == nil {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "invalid attendance token claims")
	}
	if !hmac.Equal([]byte(claims.ID), []byte(s.nonce(*claims))) {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "attendance token nonce mismatch")
	}
	return claims, nil
}

// Verify reports whether tokenString is a valid token for reservationID.
// Malformed input yields false, never a panic.
func (s *Service) Verify(tokenString string, reservationID id.ReservationID) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if tokenString == "" || reservationID.IsNil() {
		return false
	}
	claims, err := s.Parse(tokenString)
	if err != nil {
		return false
	}
	return claims.ReservationID == reservationID.String()
}

func (s *Service) nonce(c Claims) string {
	var issued int64
	if c.IssuedAt != nil {
		issued = c.IssuedAt.Unix()
	}
	mac := hmac.New(sha256.New, s.nonceKey)
	mac.Write([]byte(c.ReservationID + "|" + c.HolderID + "|" + c.SpaceID + "|" + strconv.FormatInt(issued, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}

// Matches reports whether the claims bind the given holder and space.
func (c *Claims) Matches(holderID id.HolderID, spaceID id.SpaceID) bool {
	return c.HolderID == holderID.String() && c.SpaceID == spaceID.String()
}
