// Package auth provides operator and agent authentication for the server.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims are the JWT claims issued to operators.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service is the builtin auth provider. It implements Provider,
// LoginProvider and AgentAuthProvider.
type Service struct {
	store              store.Store
	jwtSecret          []byte
	jwtExpiry          time.Duration
	agentTokens        map[string]string // agent_id -> static token
	agentTokenSecret   string            // HMAC secret for time-limited tokens
	agentTokenLifetime time.Duration
	initialAdmin       *config.InitialAdmin
}

// NewService creates the builtin auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]string)
	for _, entry := range cfg.AgentTokens {
		tokens[entry.AgentID] = entry.Token
	}
	return &Service{
		store:              s,
		jwtSecret:          []byte(cfg.JWTSecret),
		jwtExpiry:          cfg.JWTExpiry.Duration,
		agentTokens:        tokens,
		agentTokenSecret:   cfg.AgentTokenSecret,
		agentTokenLifetime: cfg.AgentTokenLifetime.Duration,
		initialAdmin:       cfg.InitialAdmin,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the initial admin user if configured and not present.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateUser(ctx, &store.User{
		ID:           uuid.New().String(),
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	})
}

// Login authenticates an operator and returns a JWT.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.generateToken(user)
}

// Register creates a new operator account.
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.User, error) {
	existing, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// ValidateToken validates an operator bearer token.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   user.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// --- Agent credentials ---

// AgentTokenSecret returns the HMAC secret for time-limited agent tokens.
func (s *Service) AgentTokenSecret() string { return s.agentTokenSecret }

// AgentTokenLifetime returns the lifetime for generated agent tokens.
func (s *Service) AgentTokenLifetime() time.Duration { return s.agentTokenLifetime }

// ValidateAgentToken checks a static agent token.
func (s *Service) ValidateAgentToken(agentID, token string) bool {
	expected, ok := s.agentTokens[agentID]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(token))
}

// GenerateAgentToken creates a time-limited HMAC token for an agent.
// Token format: {agentID}:{timestamp}:{hmac-sha256(agentID+timestamp, secret)}
func (s *Service) GenerateAgentToken(agentID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(agentID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return agentID + ":" + ts + ":" + sig
}

// ValidateTimeLimitedToken verifies an HMAC agent token and returns the agent ID.
func (s *Service) ValidateTimeLimitedToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}
	agentID, tsStr, sig := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(agentID + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}
	age := time.Since(time.Unix(ts, 0))
	if age > s.agentTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}
	return agentID, nil
}
