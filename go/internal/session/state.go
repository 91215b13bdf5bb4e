package session

import (
	"sync"
	"time"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/models"
	"github.com/rs/zerolog/log"
)

// CompletionHook asks for an authoritative re-fetch of a session.
type CompletionHook func(sessionID string)

// Snapshot is the read-only projection of a session's state.
type Snapshot struct {
	SessionID           string               `json:"session_id"`
	Status              models.SessionStatus `json:"status"`
	StartTime           time.Time            `json:"start_time"`
	EndTime             time.Time            `json:"end_time"`
	StartingBids        int64                `json:"starting_bids"`
	HighestBid          int64                `json:"highest_bid"`
	TotalBidder         int64                `json:"total_bidder"`
	TotalAuctionHistory int64                `json:"total_auction_history"`
	Winner              *models.User         `json:"winner,omitempty"`
	CompletionPending   bool                 `json:"completion_pending"`
	Version             uint64               `json:"version"`
}

// StateMachine is the single source of truth for one session's status and
// bid aggregates. Aggregates follow last-highest-wins, so redelivered or
// reordered feed messages never move the highest bid backwards.
type StateMachine struct {
	mu sync.Mutex

	sessionID    string
	status       models.SessionStatus
	startTime    time.Time
	endTime      time.Time
	startingBids int64
	info         models.SessionInfo
	winner       *models.User
	version      uint64

	completionPending bool
	onCompletion      CompletionHook
}

// NewStateMachine seeds a machine from a fetched session snapshot.
func NewStateMachine(s models.AuctionSession) *StateMachine {
	status := s.Status
	if !status.Valid() {
		status = models.SessionStatusPending
	}
	sm := &StateMachine{
		sessionID:    s.ID,
		status:       status,
		startTime:    s.StartTime,
		endTime:      s.EndTime,
		startingBids: s.StartingBids,
		info: models.SessionInfo{
			HighestBid:          s.HighestBid(),
			TotalBidder:         s.Info.TotalBidder,
			TotalAuctionHistory: s.Info.TotalAuctionHistory,
		},
		version: 1,
	}
	if status == models.SessionStatusFinished {
		sm.winner = winnerOf(s)
	}
	return sm
}

// OnCompletionRequest registers the hook RequestCompletion fires.
func (sm *StateMachine) OnCompletionRequest(hook CompletionHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onCompletion = hook
}

// ApplyUpdate takes the incoming aggregates only when they carry a strictly
// higher bid than what is held. Anything else is a duplicate or a stale
// delivery and is discarded.
func (sm *StateMachine) ApplyUpdate(incoming models.SessionInfo) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.applyLocked(incoming)
}

func (sm *StateMachine) applyLocked(incoming models.SessionInfo) bool {
	if incoming.HighestBid <= sm.info.HighestBid {
		log.Debug().
			Str("session_id", sm.sessionID).
			Int64("incoming_bid", incoming.HighestBid).
			Int64("highest_bid", sm.info.HighestBid).
			Msg("discarding stale session update")
		return false
	}

	sm.info.HighestBid = incoming.HighestBid
	// Counters only ever grow.
	if incoming.TotalBidder > sm.info.TotalBidder {
		sm.info.TotalBidder = incoming.TotalBidder
	}
	if incoming.TotalAuctionHistory > sm.info.TotalAuctionHistory {
		sm.info.TotalAuctionHistory = incoming.TotalAuctionHistory
	}
	sm.version++
	return true
}

// MarkOngoing moves a pending session to ONGOING.
func (sm *StateMachine) MarkOngoing() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitionLocked(models.SessionStatusOngoing)
}

// RequestCompletion is the countdown's way of saying "time is up". It
// never flips the status itself; it asks for an authoritative re-fetch.
// Returns false when the session is already finished or a request is
// still outstanding.
func (sm *StateMachine) RequestCompletion() bool {
	sm.mu.Lock()
	if sm.status == models.SessionStatusFinished || sm.completionPending {
		sm.mu.Unlock()
		return false
	}
	sm.completionPending = true
	sm.version++
	hook := sm.onCompletion
	id := sm.sessionID
	sm.mu.Unlock()

	log.Info().Str("session_id", id).Msg("candidate completion, requesting re-validation")
	if hook != nil {
		hook(id)
	}
	return true
}

// ClearCompletionRequest allows a later RequestCompletion to fire again,
// e.g. after the re-validation gave up without a verdict.
func (sm *StateMachine) ClearCompletionRequest() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.completionPending {
		sm.completionPending = false
		sm.version++
	}
}

// ConfirmFinished is the only way into FINISHED. Calling it on a finished
// session is a no-op and the original winner is kept.
func (sm *StateMachine) ConfirmFinished(winner *models.User) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.finishLocked(winner)
}

func (sm *StateMachine) finishLocked(winner *models.User) error {
	if sm.status == models.SessionStatusFinished {
		return nil
	}
	if err := sm.transitionLocked(models.SessionStatusFinished); err != nil {
		return err
	}
	if winner != nil {
		w := *winner
		sm.winner = &w
	}
	sm.completionPending = false
	log.Info().
		Str("session_id", sm.sessionID).
		Int64("highest_bid", sm.info.HighestBid).
		Interface("winner", sm.winner).
		Msg("session finished")
	return nil
}

// Reconcile folds an authoritative snapshot from the server into the
// machine. Aggregates still go through last-highest-wins and the status
// only moves forward. An outstanding completion request survives an
// ONGOING snapshot; the caller decides when to give up on it.
func (sm *StateMachine) Reconcile(s models.AuctionSession) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s.ID != "" && s.ID != sm.sessionID {
		log.Warn().
			Str("session_id", sm.sessionID).
			Str("snapshot_id", s.ID).
			Msg("ignoring snapshot for another session")
		return nil
	}

	sm.applyLocked(models.SessionInfo{
		HighestBid:          s.HighestBid(),
		TotalBidder:         s.Info.TotalBidder,
		TotalAuctionHistory: s.Info.TotalAuctionHistory,
	})

	if sm.status == models.SessionStatusPending {
		if !s.StartTime.IsZero() {
			sm.startTime = s.StartTime
		}
		if !s.EndTime.IsZero() {
			sm.endTime = s.EndTime
		}
	} else if !s.EndTime.IsZero() && !s.EndTime.Equal(sm.endTime) {
		log.Warn().
			Str("session_id", sm.sessionID).
			Time("end_time", sm.endTime).
			Time("snapshot_end_time", s.EndTime).
			Msg("end time changed after session started, keeping original")
	}

	switch s.Status {
	case models.SessionStatusFinished:
		return sm.finishLocked(winnerOf(s))
	case models.SessionStatusOngoing:
		return sm.transitionLocked(models.SessionStatusOngoing)
	case models.SessionStatusPending:
		return sm.transitionLocked(models.SessionStatusPending)
	}
	return nil
}

// transitionLocked applies a forward status change. Same-status is a no-op;
// backwards is rejected, logged, and leaves state untouched.
func (sm *StateMachine) transitionLocked(to models.SessionStatus) error {
	if to == sm.status {
		return nil
	}
	if to.Rank() < sm.status.Rank() || !to.Valid() {
		err := &auctionerrors.InvalidTransitionError{
			SessionID: sm.sessionID,
			From:      string(sm.status),
			To:        string(to),
		}
		log.Error().Err(err).Str("session_id", sm.sessionID).Msg("rejected status transition")
		return err
	}
	sm.status = to
	sm.version++
	return nil
}

// Status returns the current lifecycle status.
func (sm *StateMachine) Status() models.SessionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status
}

// HighestBid returns the current leading price.
func (sm *StateMachine) HighestBid() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info.HighestBid
}

// Snapshot returns a copy of the current state.
func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var winner *models.User
	if sm.winner != nil {
		w := *sm.winner
		winner = &w
	}
	return Snapshot{
		SessionID:           sm.sessionID,
		Status:              sm.status,
		StartTime:           sm.startTime,
		EndTime:             sm.endTime,
		StartingBids:        sm.startingBids,
		HighestBid:          sm.info.HighestBid,
		TotalBidder:         sm.info.TotalBidder,
		TotalAuctionHistory: sm.info.TotalAuctionHistory,
		Winner:              winner,
		CompletionPending:   sm.completionPending,
		Version:             sm.version,
	}
}

func winnerOf(s models.AuctionSession) *models.User {
	if s.Winner != nil {
		return s.Winner
	}
	return s.Info.User
}
