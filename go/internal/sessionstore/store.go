package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/bidchannel"
	"github.com/mcdev12/gavel/go/internal/bidding"
	"github.com/mcdev12/gavel/go/internal/models"
	"github.com/mcdev12/gavel/go/internal/session"
)

// SessionFetcher loads the authoritative state of a session together with
// the server's clock reading.
type SessionFetcher interface {
	GetSession(ctx context.Context, sessionID string) (*models.AuctionSession, time.Time, error)
}

// Channel opens live feed subscriptions.
type Channel interface {
	Open(ctx context.Context, req bidchannel.OpenRequest) (*bidchannel.Handle, error)
}

// Bidder submits bids and re-sends pending broadcasts.
type Bidder interface {
	Submit(ctx context.Context, req bidding.SubmitRequest) (*models.BidEvent, error)
	FlushPending(ctx context.Context, sessionID string) (int, error)
}

// DepositChecker answers the display deposit check.
type DepositChecker interface {
	Check(ctx context.Context, userID, sessionID string) (bool, error)
}

// Config holds per-session settings.
type Config struct {
	SessionID string
	UserID    string
	AuthToken string

	// FetchTimeout bounds every session fetch and channel open.
	FetchTimeout time.Duration
	// Fetch governs the initial load.
	Fetch RetryConfig
	// Reconcile governs re-validation after the countdown reached zero.
	Reconcile RetryConfig
	// StartPoll is how often a session that should have started is
	// re-fetched until the server reports it ONGOING.
	StartPoll time.Duration
	// TickInterval is the countdown sampling interval.
	TickInterval time.Duration
}

// maxReconcileWait caps the pause between re-validation rounds.
const maxReconcileWait = 30 * time.Second

// DefaultConfig returns default store settings.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 10 * time.Second,
		Fetch:        RetryConfig{MaxAttempts: 5, Backoff: time.Second},
		Reconcile:    RetryConfig{MaxAttempts: 5, Backoff: 2 * time.Second},
		StartPoll:    2 * time.Second,
		TickInterval: time.Second,
	}
}

// Deps are the collaborators of a Store.
type Deps struct {
	Fetcher  SessionFetcher
	Channel  Channel
	Bidder   Bidder
	Deposits DepositChecker
	Clock    clockwork.Clock
}

// Events funneled into the loop.
type (
	updateEvent  struct{ update bidchannel.Update }
	connEvent    struct{ state bidchannel.ConnState }
	fetchedEvent struct {
		session    *models.AuctionSession
		serverTime time.Time
	}
	tickEvent struct {
		tick session.Tick
		gen  uint64
	}
	reconcileDoneEvent  struct{}
	reconcileRetryEvent struct{}
	openRetryEvent      struct{}
)

// Store owns one session: its state machine, its live channel handle and
// its countdown. Every input goes through a single event loop.
type Store struct {
	config    Config
	deps      Deps
	countdown *session.CountdownEstimator

	events chan any
	done   chan struct{}

	mu          sync.RWMutex
	machine     *session.StateMachine
	view        View
	watchers    map[int]chan View
	nextWatcher int

	// Owned by the loop goroutine.
	loopCtx     context.Context
	bg          sync.WaitGroup
	handle      *bidchannel.Handle
	connected   bool
	freshness   Freshness
	remaining   time.Duration
	candidate   bool
	reconciling bool
	// recheck is set when a feed message or reconnect arrived while a
	// re-validation round was running.
	recheck bool
	giveUps int
	tickGen     uint64
	stopTicks   context.CancelFunc
}

// New creates a store for config.SessionID. Call Run to start it.
func New(config Config, deps Deps) *Store {
	defaults := DefaultConfig()
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.Fetch.MaxAttempts <= 0 {
		config.Fetch = defaults.Fetch
	}
	if config.Reconcile.MaxAttempts <= 0 {
		config.Reconcile = defaults.Reconcile
	}
	if config.StartPoll <= 0 {
		config.StartPoll = defaults.StartPoll
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	return &Store{
		config:    config,
		deps:      deps,
		countdown: session.NewCountdownEstimator(deps.Clock, config.TickInterval),
		events:    make(chan any, 64),
		done:      make(chan struct{}),
		view: View{
			SessionID: config.SessionID,
			Freshness: FreshnessUnknown,
		},
		watchers:  make(map[int]chan View),
		freshness: FreshnessUnknown,
	}
}

// SessionID returns the followed session.
func (s *Store) SessionID() string {
	return s.config.SessionID
}

// Done is closed when Run returns.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// Run follows the session until it finishes or ctx ends. The channel handle
// is closed and the countdown stopped before Run returns.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.done)

	snapshot, serverTime, err := s.fetchWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("load session %s: %w", s.config.SessionID, err)
	}
	s.countdown.SetServerTime(serverTime)

	machine := session.NewStateMachine(*snapshot)
	machine.OnCompletionRequest(func(string) { s.startReconcile() })
	s.mu.Lock()
	s.machine = machine
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCtx = loopCtx
	defer func() {
		cancel()
		s.closeChannel()
		s.stopCountdown()
		s.bg.Wait()
		s.publish()
	}()

	log.Info().
		Str("session_id", s.config.SessionID).
		Str("status", string(machine.Status())).
		Msg("following session")

	s.remaining = s.countdown.Remaining(machine.Snapshot().EndTime)
	if s.enter(machine.Status()) {
		return nil
	}
	s.publish()

	for {
		select {
		case <-loopCtx.Done():
			log.Info().Str("session_id", s.config.SessionID).Msg("session store shutting down")
			return nil
		case ev := <-s.events:
			finished := s.handleEvent(ev)
			s.publish()
			if finished {
				return nil
			}
		}
	}
}

// View returns the latest projection.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Snapshot returns the state machine projection once the session is loaded.
func (s *Store) Snapshot() (session.Snapshot, bool) {
	s.mu.RLock()
	machine := s.machine
	s.mu.RUnlock()
	if machine == nil {
		return session.Snapshot{}, false
	}
	return machine.Snapshot(), true
}

// Watch streams views. Slow readers only see the latest one. The returned
// func stops the stream and closes the channel.
func (s *Store) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)

	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	ch <- s.view
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

// PlaceBid submits a bid for the store's user.
func (s *Store) PlaceBid(ctx context.Context, price int64) (*models.BidEvent, error) {
	return s.deps.Bidder.Submit(ctx, bidding.SubmitRequest{
		SessionID: s.config.SessionID,
		UserID:    s.config.UserID,
		BidPrice:  price,
	})
}

// CheckDeposit returns the display deposit status of the store's user.
func (s *Store) CheckDeposit(ctx context.Context) (bool, error) {
	return s.deps.Deposits.Check(ctx, s.config.UserID, s.config.SessionID)
}

// enter starts whatever the status needs. It reports true once FINISHED.
func (s *Store) enter(status models.SessionStatus) bool {
	switch status {
	case models.SessionStatusPending:
		s.waitForStart()
	case models.SessionStatusOngoing:
		s.openChannel()
		s.startCountdown()
	case models.SessionStatusFinished:
		s.finish()
		return true
	}
	return false
}

func (s *Store) handleEvent(ev any) bool {
	switch e := ev.(type) {
	case updateEvent:
		s.machine.ApplyUpdate(e.update.Info)
		if s.connected {
			s.freshness = FreshnessLive
		}
		if e.update.Status == models.SessionStatusFinished {
			s.candidate = true
		}
		s.maybeRequestCompletion()

	case connEvent:
		switch e.state {
		case bidchannel.Connected:
			s.connected = true
			s.freshness = FreshnessLive
		case bidchannel.Disconnected:
			s.connected = false
			s.freshness = FreshnessUnknown
		case bidchannel.Reconnected:
			s.connected = true
			s.freshness = FreshnessStale
			s.refetch()
			s.flushPending()
			s.maybeRequestCompletion()
		}

	case tickEvent:
		if e.gen != s.tickGen {
			return false
		}
		s.remaining = e.tick.Remaining
		if e.tick.Candidate {
			log.Info().Str("session_id", s.config.SessionID).Msg("countdown reached zero, confirming with server")
			s.candidate = true
			s.maybeRequestCompletion()
		}

	case fetchedEvent:
		return s.applySnapshot(e.session, e.serverTime)

	case reconcileDoneEvent:
		s.reconciling = false
		if s.machine.Status() != models.SessionStatusOngoing {
			return false
		}
		s.machine.ClearCompletionRequest()
		recheck := s.recheck
		s.recheck = false
		if recheck {
			s.maybeRequestCompletion()
			return false
		}
		s.giveUps++
		wait := s.reconcileWait()
		log.Warn().
			Str("session_id", s.config.SessionID).
			Int("attempts", s.config.Reconcile.MaxAttempts).
			Dur("next_round_in", wait).
			Msg("session still ongoing after re-validation")
		s.after(wait, reconcileRetryEvent{})

	case reconcileRetryEvent:
		s.maybeRequestCompletion()

	case openRetryEvent:
		if s.machine.Status() == models.SessionStatusOngoing {
			s.openChannel()
		}
	}
	return false
}

func (s *Store) applySnapshot(snapshot *models.AuctionSession, serverTime time.Time) bool {
	before := s.machine.Status()
	s.countdown.SetServerTime(serverTime)
	if err := s.machine.Reconcile(*snapshot); err != nil {
		log.Error().Err(err).Str("session_id", s.config.SessionID).Msg("failed to reconcile snapshot")
	}
	if s.connected {
		s.freshness = FreshnessLive
	}

	after := s.machine.Status()
	if after == before {
		return false
	}
	log.Info().
		Str("session_id", s.config.SessionID).
		Str("from", string(before)).
		Str("to", string(after)).
		Msg("session status changed")
	if after == models.SessionStatusOngoing {
		s.remaining = s.countdown.Remaining(s.machine.Snapshot().EndTime)
	}
	return s.enter(after)
}

// maybeRequestCompletion asks for re-validation once the session is a
// completion candidate and no request is running.
func (s *Store) maybeRequestCompletion() {
	if !s.candidate || s.machine.Status() != models.SessionStatusOngoing {
		return
	}
	if s.reconciling {
		s.recheck = true
		return
	}
	s.machine.RequestCompletion()
}

// reconcileWait grows with every round that ended without a verdict.
func (s *Store) reconcileWait() time.Duration {
	policy := s.config.Reconcile
	wait := policy.delay(policy.MaxAttempts) * time.Duration(s.giveUps)
	if wait <= 0 || wait > maxReconcileWait {
		return maxReconcileWait
	}
	return wait
}

func (s *Store) finish() {
	s.closeChannel()
	s.stopCountdown()
	s.remaining = 0
	s.candidate = false
	s.freshness = FreshnessLive

	snap := s.machine.Snapshot()
	event := log.Info().
		Str("session_id", s.config.SessionID).
		Int64("highest_bid", snap.HighestBid)
	if snap.Winner != nil {
		event = event.Str("winner_id", snap.Winner.ID)
	}
	event.Msg("session finished")
}

func (s *Store) openChannel() {
	if s.handle != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.loopCtx, s.config.FetchTimeout)
	defer cancel()

	handle, err := s.deps.Channel.Open(ctx, bidchannel.OpenRequest{
		SessionID: s.config.SessionID,
		Status:    s.machine.Status(),
		AuthToken: s.config.AuthToken,
		OnUpdate: func(hctx context.Context, update bidchannel.Update) {
			s.send(hctx, updateEvent{update: update})
		},
		OnConnState: func(hctx context.Context, state bidchannel.ConnState) {
			s.send(hctx, connEvent{state: state})
		},
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", s.config.SessionID).Msg("failed to open bid channel")
		s.freshness = FreshnessUnknown
		s.after(s.config.Fetch.Backoff, openRetryEvent{})
		return
	}

	s.handle = handle
	s.connected = true
	s.freshness = FreshnessLive
}

func (s *Store) closeChannel() {
	if s.handle == nil {
		return
	}
	handle := s.handle
	s.handle = nil
	s.connected = false
	if err := handle.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", s.config.SessionID).Msg("failed to close bid channel")
	}
}

func (s *Store) startCountdown() {
	s.stopCountdown()
	s.tickGen++
	gen := s.tickGen

	ctx, cancel := context.WithCancel(s.loopCtx)
	s.stopTicks = cancel
	ticks := s.countdown.Start(ctx, s.machine.Snapshot().EndTime)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for tick := range ticks {
			s.send(ctx, tickEvent{tick: tick, gen: gen})
		}
	}()
}

func (s *Store) stopCountdown() {
	if s.stopTicks != nil {
		s.stopTicks()
		s.stopTicks = nil
	}
}

// waitForStart sleeps until the scheduled start and then polls until the
// server moves the session on.
func (s *Store) waitForStart() {
	ctx := s.loopCtx
	wait := s.countdown.Remaining(s.machine.Snapshot().StartTime)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if !sleep(ctx, s.deps.Clock, wait) {
			return
		}
		for {
			snapshot, serverTime, err := s.fetch(ctx)
			if err != nil {
				log.Warn().Err(err).Str("session_id", s.config.SessionID).Msg("failed to poll session start")
			} else if snapshot.Status != models.SessionStatusPending {
				s.send(ctx, fetchedEvent{session: snapshot, serverTime: serverTime})
				return
			}
			if !sleep(ctx, s.deps.Clock, s.config.StartPoll) {
				return
			}
		}
	}()
}

// startReconcile is the completion hook. It re-fetches with bounded retries
// and linear backoff, stopping early once the server reports FINISHED.
func (s *Store) startReconcile() {
	s.reconciling = true
	ctx := s.loopCtx
	policy := s.config.Reconcile

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			snapshot, serverTime, err := s.fetch(ctx)
			if err != nil {
				log.Warn().
					Err(err).
					Str("session_id", s.config.SessionID).
					Int("attempt", attempt).
					Msg("re-validation fetch failed")
			} else {
				if !s.send(ctx, fetchedEvent{session: snapshot, serverTime: serverTime}) {
					return
				}
				if snapshot.Status == models.SessionStatusFinished {
					break
				}
			}
			if attempt < policy.MaxAttempts && !sleep(ctx, s.deps.Clock, policy.delay(attempt)) {
				return
			}
		}
		s.send(ctx, reconcileDoneEvent{})
	}()
}

func (s *Store) refetch() {
	ctx := s.loopCtx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		snapshot, serverTime, err := s.fetch(ctx)
		if err != nil {
			log.Warn().Err(err).Str("session_id", s.config.SessionID).Msg("failed to re-fetch session after reconnect")
			return
		}
		s.send(ctx, fetchedEvent{session: snapshot, serverTime: serverTime})
	}()
}

func (s *Store) flushPending() {
	ctx := s.loopCtx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.deps.Bidder.FlushPending(ctx, s.config.SessionID); err != nil {
			log.Warn().Err(err).Str("session_id", s.config.SessionID).Msg("failed to flush pending broadcasts")
		}
	}()
}

// after delivers ev to the loop once d has passed.
func (s *Store) after(d time.Duration, ev any) {
	ctx := s.loopCtx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if sleep(ctx, s.deps.Clock, d) {
			s.send(ctx, ev)
		}
	}()
}

func (s *Store) fetch(ctx context.Context) (*models.AuctionSession, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	snapshot, serverTime, err := s.deps.Fetcher.GetSession(ctx, s.config.SessionID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if snapshot.ID == "" {
		snapshot.ID = s.config.SessionID
	}
	return snapshot, serverTime, nil
}

func (s *Store) fetchWithRetry(ctx context.Context) (*models.AuctionSession, time.Time, error) {
	policy := s.config.Fetch
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		snapshot, serverTime, err := s.fetch(ctx)
		if err == nil {
			return snapshot, serverTime, nil
		}
		lastErr = err
		if !auctionerrors.Retryable(err) {
			return nil, time.Time{}, err
		}
		log.Warn().
			Err(err).
			Str("session_id", s.config.SessionID).
			Int("attempt", attempt).
			Msg("session fetch failed, retrying")
		if attempt < policy.MaxAttempts && !sleep(ctx, s.deps.Clock, policy.delay(attempt)) {
			return nil, time.Time{}, errors.Join(lastErr, ctx.Err())
		}
	}
	return nil, time.Time{}, lastErr
}

// send hands ev to the loop unless ctx ends or the loop is gone.
func (s *Store) send(ctx context.Context, ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Store) buildView() View {
	snap := s.machine.Snapshot()
	remaining := s.remaining
	if snap.Status == models.SessionStatusFinished {
		remaining = 0
	}
	return View{
		SessionID:           snap.SessionID,
		Status:              snap.Status,
		HighestBid:          snap.HighestBid,
		TotalBidder:         snap.TotalBidder,
		TotalAuctionHistory: snap.TotalAuctionHistory,
		Winner:              snap.Winner,
		StartTime:           snap.StartTime,
		EndTime:             snap.EndTime,
		Remaining:           remaining,
		Freshness:           s.freshness,
		CompletionPending:   snap.CompletionPending || (s.candidate && snap.Status == models.SessionStatusOngoing),
		Version:             snap.Version,
	}
}

// publish stores the current view and hands it to watchers, replacing any
// view they have not read yet.
func (s *Store) publish() {
	view := s.buildView()

	s.mu.Lock()
	defer s.mu.Unlock()
	if view.equal(s.view) {
		return
	}
	s.view = view
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}
