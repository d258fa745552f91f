package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// OIDCProvider validates JWTs issued by an external OIDC identity provider
// using the issuer's published JWKS.
type OIDCProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewOIDCProvider creates an OIDCProvider that fetches JWKS from the issuer.
func NewOIDCProvider(issuer string) (*OIDCProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer URL is required")
	}

	jwksURL := strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &OIDCProvider{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// ValidateToken parses an OIDC JWT and returns an Identity.
func (p *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := "user"
	if claimStr(claims, "role") == "admin" {
		role = "admin"
	}

	// Build a human-readable username from available claims.
	username := sub
	switch {
	case claimStr(claims, "preferred_username") != "":
		username = claimStr(claims, "preferred_username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	return &Identity{
		UserID:   sub,
		Username: username,
		Role:     role,
	}, nil
}

// Bootstrap is a no-op for OIDC (users are managed externally).
func (p *OIDCProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *OIDCProvider) Name() string { return "oidc" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
