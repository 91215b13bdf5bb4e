package auction_api_client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mcdev12/gavel/go/internal/models"
)

type registrationRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"auctionSessionId"`
}

func registrationQuery(userID, sessionID string) string {
	query := url.Values{}
	query.Set("userId", userID)
	query.Set("auctionSessionId", sessionID)
	return query.Encode()
}

// Register signs a user up for a session.
func (c *AuctionApiClient) Register(ctx context.Context, userID, sessionID string) error {
	req := registrationRequest{UserID: userID, SessionID: sessionID}
	if _, err := c.do(ctx, http.MethodPost, RegistrationEndpoint, req, nil, nil); err != nil {
		return fmt.Errorf("failed to register user %s for session %s: %w", userID, sessionID, mapValidation(err))
	}
	return nil
}

// Unregister removes a user's registration for a session.
func (c *AuctionApiClient) Unregister(ctx context.Context, userID, sessionID string) error {
	endpoint := RegistrationEndpoint + "?" + registrationQuery(userID, sessionID)
	if _, err := c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to unregister user %s from session %s: %w", userID, sessionID, mapValidation(err))
	}
	return nil
}

// IsRegistered reports whether a user is registered for a session.
func (c *AuctionApiClient) IsRegistered(ctx context.Context, userID, sessionID string) (bool, error) {
	endpoint := RegistrationEndpoint + "/check?" + registrationQuery(userID, sessionID)
	var registered bool
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &registered); err != nil {
		return false, fmt.Errorf("failed to check registration: %w", err)
	}
	return registered, nil
}

// RegisteredUsers lists users registered for a session.
func (c *AuctionApiClient) RegisteredUsers(ctx context.Context, sessionID string) ([]models.User, error) {
	endpoint := fmt.Sprintf("%s/session/%s/users", RegistrationEndpoint, url.PathEscape(sessionID))
	var users []models.User
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &users); err != nil {
		return nil, fmt.Errorf("failed to list registered users: %w", err)
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}
