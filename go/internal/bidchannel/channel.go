package bidchannel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/models"
)

// OpenRequest describes a subscription to one session's feed.
type OpenRequest struct {
	SessionID string
	Status    models.SessionStatus
	AuthToken string
	// OnUpdate receives every valid feed message. Its ctx is cancelled when
	// the handle closes. OnUpdate must not call Close on its own handle.
	OnUpdate func(ctx context.Context, update Update)
	// OnConnState is optional and gets the same ctx as OnUpdate.
	OnConnState func(ctx context.Context, state ConnState)
}

// Channel hands out one Handle per session, each over its own transport
// connection.
type Channel struct {
	dialer Dialer
	topics Topics

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewChannel creates a channel that dials transports with dialer.
func NewChannel(dialer Dialer, topics Topics) *Channel {
	return &Channel{
		dialer:  dialer,
		topics:  topics,
		handles: make(map[string]*Handle),
	}
}

// Open subscribes to the session's feed. Opening a session that already has
// an open handle returns that handle; the new callbacks are ignored.
func (c *Channel) Open(ctx context.Context, req OpenRequest) (*Handle, error) {
	if req.Status != models.SessionStatusOngoing {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotLive, req.SessionID, req.Status)
	}
	if req.OnUpdate == nil {
		return nil, fmt.Errorf("open session %s: OnUpdate is required", req.SessionID)
	}

	if h, ok := c.Handle(req.SessionID); ok {
		return h, nil
	}

	handleCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		channel:     c,
		onUpdate:    req.OnUpdate,
		onConnState: req.OnConnState,
		ctx:         handleCtx,
		cancel:      cancel,
	}

	transport, err := c.dialer.Dial(ctx, DialOptions{
		AuthToken:   req.AuthToken,
		OnConnState: h.connState,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial transport for session %s: %w", req.SessionID, err)
	}
	h.transport = transport
	h.feedTopic = c.topics.FeedTopic(req.SessionID)
	h.triggerTopic = c.topics.TriggerTopic(req.SessionID)

	c.mu.Lock()
	if existing, ok := c.handles[req.SessionID]; ok {
		c.mu.Unlock()
		h.markClosed()
		cancel()
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", req.SessionID).Msg("failed to close duplicate transport")
		}
		return existing, nil
	}
	c.handles[req.SessionID] = h
	c.mu.Unlock()

	if err := transport.Subscribe(h.feedTopic, h.deliver); err != nil {
		c.remove(h)
		h.markClosed()
		cancel()
		transport.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", h.feedTopic, err)
	}

	log.Info().
		Str("handle_id", h.ID).
		Str("session_id", req.SessionID).
		Str("topic", h.feedTopic).
		Msg("bid channel opened")

	return h, nil
}

// Handle returns the open handle for a session, if any.
func (c *Channel) Handle(sessionID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[sessionID]
	return h, ok
}

// Close closes a handle. It is safe to call more than once.
func (c *Channel) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Close()
}

// Broadcast publishes the place-bid trigger on the session's open handle.
func (c *Channel) Broadcast(ctx context.Context, sessionID string) error {
	h, ok := c.Handle(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotOpen, sessionID)
	}
	return h.Broadcast(ctx)
}

// CloseAll closes every open handle.
func (c *Channel) CloseAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", h.SessionID).Msg("failed to close bid channel")
		}
	}
}

func (c *Channel) remove(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[h.SessionID] == h {
		delete(c.handles, h.SessionID)
	}
}

// Handle is a scoped subscription to one session. After Close returns no
// callback of this handle runs.
type Handle struct {
	ID        string
	SessionID string

	channel      *Channel
	transport    Transport
	feedTopic    string
	triggerTopic string
	onUpdate     func(ctx context.Context, update Update)
	onConnState  func(ctx context.Context, state ConnState)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Broadcast publishes the payload-free place-bid trigger.
func (h *Handle) Broadcast(ctx context.Context) error {
	if h.isClosed() {
		return fmt.Errorf("%w: %s", ErrChannelNotOpen, h.SessionID)
	}
	data, err := encodeTrigger(h.SessionID)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	if err := h.transport.Publish(ctx, h.triggerTopic, data); err != nil {
		return fmt.Errorf("publish trigger for session %s: %w", h.SessionID, err)
	}
	return nil
}

// Close unsubscribes, closes the transport and waits for running callbacks.
func (h *Handle) Close() error {
	if !h.markClosed() {
		return nil
	}
	h.cancel()
	h.channel.remove(h)

	var closeErr error
	if err := h.transport.Unsubscribe(h.feedTopic); err != nil {
		log.Debug().Err(err).Str("session_id", h.SessionID).Msg("unsubscribe failed")
	}
	if err := h.transport.Close(); err != nil {
		closeErr = fmt.Errorf("close transport for session %s: %w", h.SessionID, err)
	}

	h.inflight.Wait()

	log.Info().
		Str("handle_id", h.ID).
		Str("session_id", h.SessionID).
		Msg("bid channel closed")

	return closeErr
}

func (h *Handle) deliver(data []byte) {
	if !h.enter() {
		return
	}
	defer h.inflight.Done()

	update, err := decodeUpdate(h.SessionID, data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("session_id", h.SessionID).
			Msg("dropping feed message")
		return
	}
	h.onUpdate(h.ctx, update)
}

func (h *Handle) connState(state ConnState) {
	if h.onConnState == nil || !h.enter() {
		return
	}
	defer h.inflight.Done()

	log.Info().
		Str("session_id", h.SessionID).
		Str("state", state.String()).
		Msg("bid channel connection state changed")
	h.onConnState(h.ctx, state)
}

// enter registers a running callback unless the handle is closed.
func (h *Handle) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.inflight.Add(1)
	return true
}

func (h *Handle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
