package registration

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/models"
)

// Client defines what the registration app needs from the auction API.
type Client interface {
	Register(ctx context.Context, userID, sessionID string) error
	Unregister(ctx context.Context, userID, sessionID string) error
	IsRegistered(ctx context.Context, userID, sessionID string) (bool, error)
	RegisteredUsers(ctx context.Context, sessionID string) ([]models.User, error)
}

// App handles session sign-up. Registration is independent of deposits.
type App struct {
	client  Client
	timeout time.Duration
}

// NewApp creates a registration app. Every call is bounded by timeout.
func NewApp(client Client, timeout time.Duration) *App {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &App{
		client:  client,
		timeout: timeout,
	}
}

// Register signs the user up. Registering twice is not an error.
func (a *App) Register(ctx context.Context, userID, sessionID string) (*models.Registration, error) {
	if err := validateIDs(userID, sessionID); err != nil {
		return nil, err
	}

	registered, err := a.IsRegistered(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !registered {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.client.Register(ctx, userID, sessionID); err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
		log.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("registered for session")
	}

	return &models.Registration{UserID: userID, SessionID: sessionID, Registered: true}, nil
}

// Unregister removes the user's sign-up. Unregistering a user who is not
// registered is not an error.
func (a *App) Unregister(ctx context.Context, userID, sessionID string) (*models.Registration, error) {
	if err := validateIDs(userID, sessionID); err != nil {
		return nil, err
	}

	registered, err := a.IsRegistered(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if registered {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.client.Unregister(ctx, userID, sessionID); err != nil {
			return nil, fmt.Errorf("unregister: %w", err)
		}
		log.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("unregistered from session")
	}

	return &models.Registration{UserID: userID, SessionID: sessionID, Registered: false}, nil
}

// IsRegistered reports whether the user is signed up for the session.
func (a *App) IsRegistered(ctx context.Context, userID, sessionID string) (bool, error) {
	if err := validateIDs(userID, sessionID); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	registered, err := a.client.IsRegistered(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("check registration: %w", err)
	}
	return registered, nil
}

// RegisteredUsers lists everyone signed up for the session.
func (a *App) RegisteredUsers(ctx context.Context, sessionID string) ([]models.User, error) {
	if sessionID == "" {
		return nil, &auctionerrors.ValidationError{Reason: "session id is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	users, err := a.client.RegisteredUsers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list registered users: %w", err)
	}
	return users, nil
}

func validateIDs(userID, sessionID string) error {
	if userID == "" {
		return &auctionerrors.ValidationError{Reason: "user id is required"}
	}
	if sessionID == "" {
		return &auctionerrors.ValidationError{Reason: "session id is required"}
	}
	return nil
}
