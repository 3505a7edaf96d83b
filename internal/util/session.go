package util

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/ComUnity/abuse-gateway/internal/models"
)

// ErrInvalidSession covers missing, malformed, expired and foreign tokens.
var ErrInvalidSession = errors.New("invalid session")

const accessTokenType = "access"

// SessionClaims is the payload of a session bearer token.
type SessionClaims struct {
	Email     string `json:"email,omitempty"`
	TokenType string `json:"token_type"`

	jwt.RegisteredClaims
}

type SessionConfig struct {
	Issuer   string
	Audience []string
	TokenTTL time.Duration
}

// SessionManager validates (and, for tooling and tests, issues) HMAC-signed
// session tokens. It never decides roles; role membership is looked up server side.
type SessionManager struct {
	config SessionConfig
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

func NewSessionManager(cfg SessionConfig, signingKey []byte) *SessionManager {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	return &SessionManager{
		config: cfg,
		key:    signingKey,
		now:    time.Now,
		// Time based claims are checked against m.now below.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// WithClock overrides the time source.
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	m.now = now
	return m
}

// Issue signs an access token for userID.
func (m *SessionManager) Issue(userID uuid.UUID, email string) (string, error) {
	now := m.now()
	tokenID, err := generateSecureTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}
	claims := SessionClaims{
		Email:     email,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings(m.config.Audience),
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Resolve validates tokenString and returns the session it carries.
func (m *SessionManager) Resolve(_ context.Context, tokenString string) (*models.Session, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidSession)
	}
	claims := &SessionClaims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	now := m.now()
	switch {
	case claims.TokenType != accessTokenType:
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidSession, claims.TokenType)
	case !claims.VerifyExpiresAt(now, true):
		return nil, fmt.Errorf("%w: token expired", ErrInvalidSession)
	case !claims.VerifyNotBefore(now, false):
		return nil, fmt.Errorf("%w: token not yet valid", ErrInvalidSession)
	case m.config.Issuer != "" && !claims.VerifyIssuer(m.config.Issuer, true):
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidSession)
	case !m.audienceAccepted(claims):
		return nil, fmt.Errorf("%w: unexpected audience", ErrInvalidSession)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidSession)
	}
	return &models.Session{
		UserID:    userID,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (m *SessionManager) audienceAccepted(c *SessionClaims) bool {
	if len(m.config.Audience) == 0 {
		return true
	}
	for _, aud := range m.config.Audience {
		if c.VerifyAudience(aud, true) {
			return true
		}
	}
	return false
}

func generateSecureTokenID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
