package sessionstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mcdev12/gavel/go/internal/bidchannel"
	"github.com/mcdev12/gavel/go/internal/bidding"
	"github.com/mcdev12/gavel/go/internal/models"
)

type fakeFetcher struct {
	mu      sync.Mutex
	session models.AuctionSession
	err     error
	calls   int
}

func (f *fakeFetcher) GetSession(ctx context.Context, sessionID string) (*models.AuctionSession, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	s := f.session
	return &s, time.Time{}, nil
}

func (f *fakeFetcher) set(fn func(s *models.AuctionSession)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.session)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTransport struct {
	mu          sync.Mutex
	handlers    map[string]func([]byte)
	closed      bool
	onConnState func(bidchannel.ConnState)
}

func (t *fakeTransport) Subscribe(topic string, handler func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = handler
	return nil
}

func (t *fakeTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, topic)
	return nil
}

func (t *fakeTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// pushInfo delivers a feed message on every subscribed topic.
func (t *fakeTransport) pushInfo(sessionID string, info models.SessionInfo) {
	t.push(map[string]any{
		"sessionId":          sessionID,
		"auctionSessionInfo": info,
	})
}

// pushFinished delivers a feed message announcing the end of the session.
func (t *fakeTransport) pushFinished(sessionID string, info models.SessionInfo) {
	t.push(map[string]any{
		"sessionId":          sessionID,
		"status":             string(models.SessionStatusFinished),
		"auctionSessionInfo": info,
	})
}

func (t *fakeTransport) push(result map[string]any) {
	data, _ := json.Marshal(map[string]any{
		"code":   200,
		"result": result,
	})
	t.mu.Lock()
	handlers := make([]func([]byte), 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, opts bidchannel.DialOptions) (bidchannel.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTransport{
		handlers:    make(map[string]func([]byte)),
		onConnState: opts.OnConnState,
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type fakeBidder struct {
	mu         sync.Mutex
	submitted  []bidding.SubmitRequest
	flushCalls int
}

func (b *fakeBidder) Submit(ctx context.Context, req bidding.SubmitRequest) (*models.BidEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, req)
	return &models.BidEvent{ID: "bid-1", SessionID: req.SessionID, UserID: req.UserID, BidPrice: req.BidPrice}, nil
}

func (b *fakeBidder) FlushPending(ctx context.Context, sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushCalls++
	return 0, nil
}

func (b *fakeBidder) flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushCalls
}

type fakeDeposits struct{ deposited bool }

func (d fakeDeposits) Check(ctx context.Context, userID, sessionID string) (bool, error) {
	return d.deposited, nil
}
