// Package grant verifies the signed room grants that admit a user into a
// collaboration room.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/findingsync/internal/platform/errors"
)

const (
	EnvIssuer    = "FINDINGSYNC_COLLAB_GRANT_ISSUER"
	EnvAudience  = "FINDINGSYNC_COLLAB_GRANT_AUDIENCE"
	EnvPublicKey = "FINDINGSYNC_COLLAB_GRANT_PUBLIC_KEY"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"FINDINGSYNC_COLLAB_GRANT_ISSUER"`
	Audience  string `env:"FINDINGSYNC_COLLAB_GRANT_AUDIENCE"`
	PublicKey string `env:"FINDINGSYNC_COLLAB_GRANT_PUBLIC_KEY"`
}

// Config defines how room grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Expectation is the identity a grant must name.
type Expectation struct {
	RoomID string
	UserID string
}

// Claims captures validated room grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string
	RoomID    string
	UserID    string
	UserName  string
}

// roomGrantClaims is the internal claims type used for JWT parsing.
type roomGrantClaims struct {
	jwt.RegisteredClaims
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// LoadConfigFromEnv reads grant verification configuration. It reports
// ok=false when none of the grant variables is set, which disables grants.
func LoadConfigFromEnv(now func() time.Time) (Config, bool, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, false, fmt.Errorf("parse room grant env: %w", err)
	}
	if strings.TrimSpace(raw.Issuer) == "" && strings.TrimSpace(raw.Audience) == "" && strings.TrimSpace(raw.PublicKey) == "" {
		return Config{}, false, nil
	}
	cfg, err := NewConfig(raw.Issuer, raw.Audience, raw.PublicKey, now)
	if err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

// NewConfig validates raw verification settings. publicKey is a base64
// encoded Ed25519 public key.
func NewConfig(issuer string, audience string, publicKey string, now func() time.Time) (Config, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	publicKey = strings.TrimSpace(publicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("%s is required", EnvIssuer)
	}
	if audience == "" {
		return Config{}, fmt.Errorf("%s is required", EnvAudience)
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("%s is required", EnvPublicKey)
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode room grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("room grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Validate verifies a room grant token and checks it names the expected
// room and user.
func Validate(token string, expected Expectation, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeRoomGrantInvalid, "room grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("room grant verifier is not configured")
	}

	var parsed roomGrantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeRoomGrantMismatch,
			"room grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeRoomGrantMismatch,
			"room grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeRoomGrantInvalid, "room grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeRoomGrantExpired, "room grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return Claims{}, apperrors.New(apperrors.CodeRoomGrantInvalid, "room grant not active yet")
		}
	}

	if strings.TrimSpace(parsed.RoomID) == "" || parsed.RoomID != expected.RoomID {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeRoomGrantMismatch,
			"room grant room mismatch",
			map[string]string{"Field": "room_id"},
		)
	}
	if strings.TrimSpace(parsed.UserID) == "" || parsed.UserID != expected.UserID {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeRoomGrantMismatch,
			"room grant user mismatch",
			map[string]string{"Field": "user_id"},
		)
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		JWTID:     parsed.ID,
		RoomID:    parsed.RoomID,
		UserID:    parsed.UserID,
		UserName:  parsed.UserName,
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Issue signs a room grant. It backs local tooling and tests; production
// grants come from the host application's issuer.
func Issue(key ed25519.PrivateKey, claims Claims) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", errors.New("room grant signing key is invalid")
	}
	if strings.TrimSpace(claims.RoomID) == "" || strings.TrimSpace(claims.UserID) == "" {
		return "", errors.New("room id and user id are required")
	}
	if claims.ExpiresAt.IsZero() {
		return "", errors.New("expiry is required")
	}
	registered := jwt.RegisteredClaims{
		Issuer:    claims.Issuer,
		Audience:  jwt.ClaimStrings(claims.Audience),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		ID:        claims.JWTID,
	}
	if !claims.IssuedAt.IsZero() {
		registered.IssuedAt = jwt.NewNumericDate(claims.IssuedAt)
	}
	if !claims.NotBefore.IsZero() {
		registered.NotBefore = jwt.NewNumericDate(claims.NotBefore)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, roomGrantClaims{
		RegisteredClaims: registered,
		RoomID:           claims.RoomID,
		UserID:           claims.UserID,
		UserName:         claims.UserName,
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign room grant: %w", err)
	}
	return signed, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeRoomGrantInvalid, "room grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeRoomGrantInvalid, "room grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeRoomGrantInvalid, "room grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
