package bidchannel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/gavel/go/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
	states  []ConnState
}

func (r *recorder) onUpdate(ctx context.Context, u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) onConnState(ctx context.Context, s ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshot() ([]Update, []ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...), append([]ConnState(nil), r.states...)
}

func feedMessage(t *testing.T, sessionID string, code int, highest int64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"code": code,
		"result": map[string]any{
			"sessionId": sessionID,
			"auctionSessionInfo": map[string]any{
				"highestBid":          highest,
				"totalBidder":         2,
				"totalAuctionHistory": 3,
			},
		},
	})
	require.NoError(t, err)
	return data
}

func openTestHandle(t *testing.T, rec *recorder) (*Channel, *fakeDialer, *Handle) {
	t.Helper()
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, NATSTopics())
	h, err := ch.Open(context.Background(), OpenRequest{
		SessionID:   "s1",
		Status:      models.SessionStatusOngoing,
		AuthToken:   "tok",
		OnUpdate:    rec.onUpdate,
		OnConnState: rec.onConnState,
	})
	require.NoError(t, err)
	return ch, dialer, h
}

func TestOpenRequiresOngoing(t *testing.T) {
	for _, status := range []models.SessionStatus{models.SessionStatusPending, models.SessionStatusFinished} {
		t.Run(string(status), func(t *testing.T) {
			dialer := &fakeDialer{}
			ch := NewChannel(dialer, NATSTopics())
			_, err := ch.Open(context.Background(), OpenRequest{
				SessionID: "s1",
				Status:    status,
				OnUpdate:  func(context.Context, Update) {},
			})
			assert.ErrorIs(t, err, ErrSessionNotLive)
			assert.Zero(t, dialer.count())
		})
	}
}

func TestOpenDialsPerHandleAndReusesOpenHandle(t *testing.T) {
	rec := &recorder{}
	ch, dialer, h := openTestHandle(t, rec)

	again, err := ch.Open(context.Background(), OpenRequest{
		SessionID: "s1",
		Status:    models.SessionStatusOngoing,
		OnUpdate:  func(context.Context, Update) {},
	})
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, []string{"tok"}, dialer.tokens)

	_, err = ch.Open(context.Background(), OpenRequest{
		SessionID: "s2",
		Status:    models.SessionStatusOngoing,
		OnUpdate:  func(context.Context, Update) {},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.count())
	assert.NotNil(t, dialer.last().handler("auction.session.s2.bids"))
}

func TestOpenDialFailure(t *testing.T) {
	ch := NewChannel(&fakeDialer{dialErr: errBoom}, NATSTopics())
	_, err := ch.Open(context.Background(), OpenRequest{
		SessionID: "s1",
		Status:    models.SessionStatusOngoing,
		OnUpdate:  func(context.Context, Update) {},
	})
	require.ErrorIs(t, err, errBoom)
	_, ok := ch.Handle("s1")
	assert.False(t, ok)
}

func TestHandleRelaysValidMessagesOnly(t *testing.T) {
	rec := &recorder{}
	_, dialer, _ := openTestHandle(t, rec)
	transport := dialer.last()
	topic := "auction.session.s1.bids"

	transport.push(topic, feedMessage(t, "s1", 200, 1500), nil)
	transport.push(topic, []byte("{not json"), nil)
	transport.push(topic, feedMessage(t, "s1", 500, 9999), nil)
	transport.push(topic, feedMessage(t, "other", 200, 9999), nil)
	transport.push(topic, []byte(`{"code":200,"result":{}}`), nil)
	transport.push(topic, []byte(`{"code":200,"result":{"status":"FINISHED","auctionSessionInfo":{"highestBid":1600,"user":{"id":"u9"}}}}`), nil)

	updates, _ := rec.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, int64(1500), updates[0].Info.HighestBid)
	assert.Equal(t, "s1", updates[0].SessionID)
	assert.Empty(t, updates[0].Status)
	assert.Nil(t, updates[0].Winner)

	assert.Equal(t, models.SessionStatusFinished, updates[1].Status)
	require.NotNil(t, updates[1].Winner)
	assert.Equal(t, "u9", updates[1].Winner.ID)
}

func TestHandleCloseIsDeterministic(t *testing.T) {
	rec := &recorder{}
	ch, dialer, h := openTestHandle(t, rec)
	transport := dialer.last()
	topic := "auction.session.s1.bids"
	handler := transport.handler(topic)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.NoError(t, ch.Close(h))

	assert.True(t, transport.isClosed())
	assert.Nil(t, transport.handler(topic))
	_, ok := ch.Handle("s1")
	assert.False(t, ok)

	transport.push(topic, feedMessage(t, "s1", 200, 2000), handler)
	transport.onConnState(Reconnected)
	updates, states := rec.snapshot()
	assert.Empty(t, updates)
	assert.Empty(t, states)

	err := ch.Broadcast(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrChannelNotOpen)
	assert.ErrorIs(t, h.Broadcast(context.Background()), ErrChannelNotOpen)
}

func TestHandleCloseWaitsForRunningCallback(t *testing.T) {
	entered := make(chan struct{})
	returned := make(chan struct{})
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, NATSTopics())
	h, err := ch.Open(context.Background(), OpenRequest{
		SessionID: "s1",
		Status:    models.SessionStatusOngoing,
		OnUpdate: func(ctx context.Context, u Update) {
			close(entered)
			<-ctx.Done()
			close(returned)
		},
	})
	require.NoError(t, err)

	msg := feedMessage(t, "s1", 200, 10)
	go dialer.last().push("auction.session.s1.bids", msg, nil)
	<-entered

	require.NoError(t, h.Close())
	select {
	case <-returned:
	default:
		t.Fatal("Close returned before the running callback finished")
	}
}

func TestBroadcastPublishesTrigger(t *testing.T) {
	rec := &recorder{}
	ch, dialer, _ := openTestHandle(t, rec)

	require.NoError(t, ch.Broadcast(context.Background(), "s1"))

	msgs := dialer.last().publishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "auction.session.s1.place-bid", msgs[0].topic)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(msgs[0].data))

	dialer.last().mu.Lock()
	dialer.last().publishErr = errBoom
	dialer.last().mu.Unlock()
	assert.ErrorIs(t, ch.Broadcast(context.Background(), "s1"), errBoom)

	assert.ErrorIs(t, ch.Broadcast(context.Background(), "missing"), ErrChannelNotOpen)
}

func TestConnStateRelayed(t *testing.T) {
	rec := &recorder{}
	_, dialer, _ := openTestHandle(t, rec)

	dialer.last().onConnState(Disconnected)
	dialer.last().onConnState(Reconnected)

	_, states := rec.snapshot()
	assert.Equal(t, []ConnState{Disconnected, Reconnected}, states)
}

func TestCloseAll(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, WebSocketTopics())
	for _, id := range []string{"a", "b"} {
		_, err := ch.Open(context.Background(), OpenRequest{
			SessionID: id,
			Status:    models.SessionStatusOngoing,
			OnUpdate:  func(context.Context, Update) {},
		})
		require.NoError(t, err)
	}
	assert.NotNil(t, dialer.last().handler("/rt-product/bidPrice-update/b"))

	ch.CloseAll()

	require.Eventually(t, func() bool {
		_, a := ch.Handle("a")
		_, b := ch.Handle("b")
		return !a && !b
	}, time.Second, 10*time.Millisecond)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "auction.session.42.bids", NATSTopics().FeedTopic("42"))
	assert.Equal(t, "auction.session.42.place-bid", NATSTopics().TriggerTopic("42"))
	assert.Equal(t, "/rt-product/bidPrice-update/42", WebSocketTopics().FeedTopic("42"))
	assert.Equal(t, "/app/rt-auction/placeBid/42", WebSocketTopics().TriggerTopic("42"))
}
