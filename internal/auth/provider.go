package auth

import (
	"context"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/store"
)

// Identity is the unified operator identity for all auth providers.
type Identity struct {
	UserID   string
	Username string
	Role     string // "admin" or "user"
}

// Provider validates operator bearer tokens.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}

// AgentAuthProvider validates and mints agent credentials.
type AgentAuthProvider interface {
	ValidateAgentToken(agentID, token string) bool
	ValidateTimeLimitedToken(token string) (string, error)
	GenerateAgentToken(agentID string) string
	AgentTokenSecret() string
	AgentTokenLifetime() time.Duration
}
