package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/models"
	"github.com/mcdev12/gavel/go/internal/session"
)

// SessionLookup returns the local state of a followed session.
type SessionLookup interface {
	Lookup(sessionID string) (session.Snapshot, bool)
}

// DepositChecker re-validates a deposit right before a bid.
type DepositChecker interface {
	CheckForSubmission(ctx context.Context, userID, sessionID string) error
}

// BidStore persists bids.
type BidStore interface {
	CreateBidHistory(ctx context.Context, bid models.BidEvent) (*models.BidEvent, error)
}

// Broadcaster publishes the place-bid trigger for a session.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string) error
}

// Config holds pipeline timeouts.
type Config struct {
	PersistTimeout   time.Duration
	BroadcastTimeout time.Duration
}

// DefaultConfig returns default pipeline timeouts.
func DefaultConfig() Config {
	return Config{
		PersistTimeout:   10 * time.Second,
		BroadcastTimeout: 5 * time.Second,
	}
}

// SubmitRequest is one user bid.
type SubmitRequest struct {
	SessionID string
	UserID    string
	BidPrice  int64
}

// Pipeline runs a bid through validation, the deposit check, persistence and
// broadcast, in that order. A bid never reaches the broadcast step unless it
// was persisted.
type Pipeline struct {
	sessions    SessionLookup
	deposits    DepositChecker
	store       BidStore
	broadcaster Broadcaster
	outbox      Outbox
	clock       clockwork.Clock
	config      Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPipeline(
	sessions SessionLookup,
	deposits DepositChecker,
	store BidStore,
	broadcaster Broadcaster,
	outbox Outbox,
	clock clockwork.Clock,
	config Config,
) *Pipeline {
	defaults := DefaultConfig()
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}
	if config.BroadcastTimeout <= 0 {
		config.BroadcastTimeout = defaults.BroadcastTimeout
	}
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		sessions:    sessions,
		deposits:    deposits,
		store:       store,
		broadcaster: broadcaster,
		outbox:      outbox,
		clock:       clock,
		config:      config,
		inflight:    make(map[string]struct{}),
	}
}

// Submit places a bid. Broadcast failures are logged and the bid stays in
// the outbox; the bid itself is still reported as accepted.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*models.BidEvent, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	key := req.SessionID + ":" + req.UserID
	if !p.acquire(key) {
		return nil, &auctionerrors.ValidationError{Reason: "a bid is already being submitted"}
	}
	defer p.release(key)

	if err := p.deposits.CheckForSubmission(ctx, req.UserID, req.SessionID); err != nil {
		log.Info().
			Err(err).
			Str("session_id", req.SessionID).
			Str("user_id", req.UserID).
			Msg("bid rejected by deposit check")
		return nil, err
	}

	bid := models.BidEvent{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		BidPrice:  req.BidPrice,
		BidTime:   p.clock.Now().UTC(),
	}

	created, err := p.persist(ctx, bid)
	if err != nil {
		log.Warn().
			Err(err).
			Str("session_id", req.SessionID).
			Str("user_id", req.UserID).
			Int64("bid_price", req.BidPrice).
			Msg("bid persistence failed")
		return nil, err
	}

	record := PendingBroadcast{
		ID:        uuid.New(),
		SessionID: created.SessionID,
		BidID:     created.ID,
		UserID:    created.UserID,
		BidPrice:  created.BidPrice,
		CreatedAt: p.clock.Now(),
	}
	recorded := true
	if err := p.outbox.Add(ctx, record); err != nil {
		recorded = false
		log.Error().Err(err).Str("bid_id", created.ID).Msg("failed to record pending broadcast")
	}

	if err := p.broadcast(ctx, created.SessionID); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", created.SessionID).
			Str("bid_id", created.ID).
			Msg("bid persisted but broadcast failed, left pending")
	} else if recorded {
		p.markSent(ctx, record)
	}

	log.Info().
		Str("session_id", created.SessionID).
		Str("user_id", created.UserID).
		Str("bid_id", created.ID).
		Int64("bid_price", created.BidPrice).
		Msg("bid accepted")

	return created, nil
}

// FlushPending re-sends the trigger for a session's pending broadcasts. The
// trigger carries no payload, so one publish covers every pending record.
func (p *Pipeline) FlushPending(ctx context.Context, sessionID string) (int, error) {
	pending, err := p.outbox.Pending(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load pending broadcasts: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := p.broadcast(ctx, sessionID); err != nil {
		return 0, fmt.Errorf("flush pending broadcasts for session %s: %w", sessionID, err)
	}
	for _, record := range pending {
		p.markSent(ctx, record)
	}

	log.Info().
		Str("session_id", sessionID).
		Int("count", len(pending)).
		Msg("flushed pending broadcasts")

	return len(pending), nil
}

// PendingCount returns how many accepted bids of a session still wait for
// their broadcast.
func (p *Pipeline) PendingCount(ctx context.Context, sessionID string) (int, error) {
	pending, err := p.outbox.Pending(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load pending broadcasts: %w", err)
	}
	return len(pending), nil
}

func (p *Pipeline) validate(req SubmitRequest) error {
	if req.SessionID == "" || req.UserID == "" {
		return &auctionerrors.ValidationError{Reason: "session and user are required"}
	}
	snap, ok := p.sessions.Lookup(req.SessionID)
	if !ok {
		return &auctionerrors.ValidationError{Reason: fmt.Sprintf("session %s is not followed", req.SessionID)}
	}
	if snap.Status != models.SessionStatusOngoing {
		return &auctionerrors.ValidationError{Reason: fmt.Sprintf("session is %s", snap.Status)}
	}
	if req.BidPrice <= snap.HighestBid {
		return &auctionerrors.ValidationError{
			Reason:         "bid must be higher than the current highest bid",
			CurrentHighest: snap.HighestBid,
		}
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, bid models.BidEvent) (*models.BidEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	defer cancel()

	created, err := p.store.CreateBidHistory(ctx, bid)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, auctionerrors.ErrTimeout) {
			return nil, fmt.Errorf("%w: persist bid: %w", auctionerrors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("persist bid: %w", err)
	}
	return created, nil
}

func (p *Pipeline) broadcast(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.BroadcastTimeout)
	defer cancel()
	return p.broadcaster.Broadcast(ctx, sessionID)
}

func (p *Pipeline) markSent(ctx context.Context, record PendingBroadcast) {
	if err := p.outbox.MarkSent(ctx, record.SessionID, record.ID); err != nil {
		log.Error().Err(err).Str("bid_id", record.BidID).Msg("failed to mark broadcast sent")
	}
}

func (p *Pipeline) acquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}
