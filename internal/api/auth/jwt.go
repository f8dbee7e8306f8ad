// Package auth issues and validates agent credentials.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrMissingToken is returned when no credential was presented.
var ErrMissingToken = errors.New("missing credential")

const agentSubject = "agent"

// Claims represents the JWT claims of an agent token.
type Claims struct {
	jwt.RegisteredClaims
	// NodeID binds the token to one node. Empty means a fleet token.
	NodeID string `json:"node,omitempty"`
}

// Principal is the authenticated identity behind a credential.
type Principal struct {
	TokenID string
	NodeID  string
}

// Fleet reports whether the principal may submit for any node.
func (p *Principal) Fleet() bool {
	return p.NodeID == ""
}

// Permits reports whether the principal may submit samples for nodeID.
func (p *Principal) Permits(nodeID string) bool {
	return p.Fleet() || p.NodeID == nodeID
}

// TokenService handles agent token generation and validation.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService creates a new token service.
func NewTokenService(secret []byte) *TokenService {
	return &TokenService{
		secret: secret,
		issuer: "mailwatch",
		now:    time.Now,
	}
}

// GenerateToken creates a signed agent token. An empty nodeID yields a fleet
// token; a zero ttl yields a token without expiry.
func (s *TokenService) GenerateToken(nodeID string, ttl time.Duration) (string, error) {
	now := s.now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.New().String(),
			Issuer:   s.issuer,
			Subject:  agentSubject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		NodeID: nodeID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates an agent token and returns its principal. Only
// HS256 tokens from this issuer with the agent subject are accepted.
func (s *TokenService) ValidateToken(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithSubject(agentSubject),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &Principal{TokenID: claims.ID, NodeID: claims.NodeID}, nil
}
