package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/contracts"
)

// Claims are the platform session claims carried by a bearer token.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 bearer tokens.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a JWT provider. An empty secret disables it.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

func (p *JWTProvider) Name() string  { return "jwt" }
func (p *JWTProvider) Enabled() bool { return len(p.secret) > 0 }

// Authenticate validates the Authorization: Bearer token.
// Returns (nil, nil) when the request carries no bearer token.
func (p *JWTProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, nil
	}
	claims, err := p.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, err
	}

	role := claims.Role
	if role == "" {
		role = tools.RoleViewer
	}
	identity := &contracts.Identity{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Role:     role,
		Provider: "jwt",
		Email:    claims.Email,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// ValidateToken parses and verifies a token. Tokens without a subject are
// rejected.
func (p *JWTProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token: missing subject")
	}
	return claims, nil
}

// GenerateToken issues a token for userID. Used by the dev token command
// and tests.
func (p *JWTProvider) GenerateToken(userID, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
