package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/auth"
)

var ErrInvalidCredentials = errors.New("invalid client id or api key")

// AuthService exchanges API keys for client tokens
type AuthService struct {
	clients    map[string]configs.APIClient
	jwtManager *auth.JWTManager
}

// NewAuthService creates a new auth service over the configured clients
func NewAuthService(clients []configs.APIClient, jwtManager *auth.JWTManager) *AuthService {
	byID := make(map[string]configs.APIClient, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return &AuthService{
		clients:    byID,
		jwtManager: jwtManager,
	}
}

// TokenRequest represents a token exchange request
type TokenRequest struct {
	ClientID string `json:"client_id" binding:"required"`
	APIKey   string `json:"api_key" binding:"required"`
}

// TokenResponse represents an issued token
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	ClientID  string `json:"client_id"`
	Role      string `json:"role"`
}

// IssueToken verifies the client's API key and signs a token for it.
func (s *AuthService) IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, ok := s.clients[req.ClientID]
	if !ok || !auth.CheckAPIKey(req.APIKey, client.KeyHash) {
		log.Warn().Str("client_id", req.ClientID).Msg("Rejected token request")
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwtManager.GenerateToken(client.ID, client.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &TokenResponse{
		Token:     token,
		ExpiresIn: int64(s.jwtManager.Expiration().Seconds()),
		ClientID:  client.ID,
		Role:      client.Role,
	}, nil
}

// HasClients reports whether any API client is configured.
func (s *AuthService) HasClients() bool {
	return len(s.clients) > 0
}
