package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/rs/zerolog/log"
)

// Checker asks the server whether a user holds a deposit for a session.
type Checker interface {
	CheckDeposit(ctx context.Context, userID, sessionID string) (bool, error)
}

// Config holds Gate settings.
type Config struct {
	// Timeout bounds every round-trip to the Checker.
	Timeout time.Duration
	// NegativeTTL is how long a "no deposit" answer is shown before the
	// display check asks again. Positive answers do not expire.
	NegativeTTL time.Duration
}

// DefaultConfig returns default gate settings.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		NegativeTTL: 30 * time.Second,
	}
}

// Gate authorizes bid submission. Check is for display and may be served
// from cache; CheckForSubmission always goes to the server.
type Gate struct {
	checker Checker
	cache   Cache
	config  Config
}

// NewGate creates a deposit gate. cache may be nil.
func NewGate(checker Checker, cache Cache, config Config) *Gate {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Gate{
		checker: checker,
		cache:   cache,
		config:  config,
	}
}

// Check returns the best-known deposit status for display.
func (g *Gate) Check(ctx context.Context, userID, sessionID string) (bool, error) {
	key := cacheKey(userID, sessionID)
	if g.cache != nil {
		deposited, found, err := g.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("session_id", sessionID).Msg("deposit cache read failed")
		} else if found {
			return deposited, nil
		}
	}

	deposited, err := g.fetch(ctx, userID, sessionID)
	if err != nil {
		return false, err
	}
	g.remember(ctx, key, deposited)
	return deposited, nil
}

// CheckForSubmission re-validates the deposit with a fresh round-trip right
// before a bid. A cached answer never short-circuits this call because a
// deposit can be revoked after it was displayed.
func (g *Gate) CheckForSubmission(ctx context.Context, userID, sessionID string) error {
	deposited, err := g.fetch(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	g.remember(ctx, cacheKey(userID, sessionID), deposited)

	if !deposited {
		log.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("bid blocked, deposit required")
		return auctionerrors.ErrDepositRequired
	}
	return nil
}

func (g *Gate) fetch(ctx context.Context, userID, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	deposited, err := g.checker.CheckDeposit(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, auctionerrors.ErrTimeout) {
			err = fmt.Errorf("%w: %w", auctionerrors.ErrTimeout, err)
		}
		return false, fmt.Errorf("check deposit: %w", err)
	}
	return deposited, nil
}

// remember updates the display cache. A deposit, once seen, stays shown as
// deposited for this user and session.
func (g *Gate) remember(ctx context.Context, key string, deposited bool) {
	if g.cache == nil {
		return
	}

	if !deposited {
		current, found, err := g.cache.Get(ctx, key)
		if err == nil && found && current {
			return
		}
		if err := g.cache.Set(ctx, key, false, g.config.NegativeTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("deposit cache write failed")
		}
		return
	}

	if err := g.cache.Set(ctx, key, true, 0); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("deposit cache write failed")
	}
}

func cacheKey(userID, sessionID string) string {
	return sessionID + ":" + userID
}
