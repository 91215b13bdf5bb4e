package viewserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/models"
	"github.com/mcdev12/gavel/go/internal/registration"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

type fakeSession struct {
	mu        sync.Mutex
	id        string
	view      sessionstore.View
	watchers  []chan sessionstore.View
	done      chan struct{}
	bidErr    error
	bids      []int64
	deposited bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:   id,
		view: sessionstore.View{SessionID: id, Status: models.SessionStatusOngoing, HighestBid: 100},
		done: make(chan struct{}),
	}
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) View() sessionstore.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeSession) Watch() (<-chan sessionstore.View, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan sessionstore.View, 8)
	ch <- f.view
	f.watchers = append(f.watchers, ch)
	return ch, func() {}
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) PlaceBid(ctx context.Context, price int64) (*models.BidEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bids = append(f.bids, price)
	if f.bidErr != nil {
		return nil, f.bidErr
	}
	return &models.BidEvent{ID: "bid-1", SessionID: f.id, UserID: "u1", BidPrice: price}, nil
}

func (f *fakeSession) CheckDeposit(ctx context.Context) (bool, error) {
	return f.deposited, nil
}

func (f *fakeSession) push(v sessionstore.View) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = v
	for _, ch := range f.watchers {
		ch <- v
	}
}

func (f *fakeSession) placed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.bids...)
}

func (f *fakeSession) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

type fakeSessions map[string]*fakeSession

func (f fakeSessions) Session(id string) (Session, bool) {
	s, ok := f[id]
	if !ok {
		return nil, false
	}
	return s, true
}

func (f fakeSessions) Sessions() []Session {
	out := make([]Session, 0, len(f))
	for _, id := range []string{"s1", "s2"} {
		if s, ok := f[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(ctx context.Context, userID, sessionID string) (*models.Registration, error) {
	args := m.Called(ctx, userID, sessionID)
	reg, _ := args.Get(0).(*models.Registration)
	return reg, args.Error(1)
}

func (m *mockRegistrar) Unregister(ctx context.Context, userID, sessionID string) (*models.Registration, error) {
	args := m.Called(ctx, userID, sessionID)
	reg, _ := args.Get(0).(*models.Registration)
	return reg, args.Error(1)
}

func (m *mockRegistrar) IsRegistered(ctx context.Context, userID, sessionID string) (bool, error) {
	args := m.Called(ctx, userID, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistrar) RegisteredUsers(ctx context.Context, sessionID string) ([]models.User, error) {
	args := m.Called(ctx, sessionID)
	users, _ := args.Get(0).([]models.User)
	return users, args.Error(1)
}

func newTestServer(t *testing.T, sessions fakeSessions, reg Registrar) *httptest.Server {
	t.Helper()
	config := DefaultConfig()
	config.UserID = "u1"
	srv := httptest.NewServer(NewServer(config, sessions, reg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

type fakePending map[string]int

func (f fakePending) PendingCount(ctx context.Context, sessionID string) (int, error) {
	return f[sessionID], nil
}

func TestServer_Health(t *testing.T) {
	live := newFakeSession("s1")
	live.view.Freshness = sessionstore.FreshnessLive
	srv := newTestServer(t, fakeSessions{"s1": live}, &mockRegistrar{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Healthy)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, sessionstore.FreshnessLive, status.Sessions[0].Freshness)
	assert.Empty(t, status.Errors)
}

func TestServer_HealthReportsLostFeedAndPendingBroadcasts(t *testing.T) {
	down := newFakeSession("s1")
	down.view.Freshness = sessionstore.FreshnessUnknown
	waiting := newFakeSession("s2")
	waiting.view.Status = models.SessionStatusPending
	waiting.view.Freshness = sessionstore.FreshnessUnknown

	config := DefaultConfig()
	config.UserID = "u1"
	server := NewServer(config, fakeSessions{"s1": down, "s2": waiting}, &mockRegistrar{},
		WithPendingCounter(fakePending{"s1": 2}))
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status.Healthy)
	require.Len(t, status.Sessions, 2)
	assert.Equal(t, 2, status.Sessions[0].PendingBroadcasts)
	assert.Zero(t, status.Sessions[1].PendingBroadcasts)
	// a session that has not started has no feed to lose
	assert.Len(t, status.Errors, 2)
}

func TestServer_ListAndGetViews(t *testing.T) {
	sessions := fakeSessions{"s1": newFakeSession("s1"), "s2": newFakeSession("s2")}
	srv := newTestServer(t, sessions, &mockRegistrar{})

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []sessionstore.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)
	assert.Equal(t, "s1", views[0].SessionID)
	assert.Equal(t, "s2", views[1].SessionID)

	resp2, err := http.Get(srv.URL + "/api/sessions/s2/view")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var view sessionstore.View
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&view))
	assert.Equal(t, "s2", view.SessionID)
	assert.Equal(t, int64(100), view.HighestBid)

	resp3, err := http.Get(srv.URL + "/api/sessions/missing/view")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestServer_PlaceBid(t *testing.T) {
	sess := newFakeSession("s1")
	srv := newTestServer(t, fakeSessions{"s1": sess}, &mockRegistrar{})

	resp, err := http.Post(srv.URL+"/api/sessions/s1/bids", "application/json", strings.NewReader(`{"bidPrice":150}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var bid models.BidEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bid))
	assert.Equal(t, int64(150), bid.BidPrice)
	assert.Equal(t, []int64{150}, sess.placed())
}

func TestServer_PlaceBidErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantHigh   int64
	}{
		{
			name:       "too low",
			err:        &auctionerrors.ValidationError{Reason: "bid must exceed the current highest bid", CurrentHighest: 200},
			wantStatus: http.StatusUnprocessableEntity,
			wantHigh:   200,
		},
		{
			name:       "deposit required",
			err:        fmt.Errorf("submit bid: %w", auctionerrors.ErrDepositRequired),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "conflict",
			err:        &auctionerrors.ConflictError{SessionID: "s1", BidPrice: 150},
			wantStatus: http.StatusConflict,
			wantError:  "bid too low, refresh",
		},
		{
			name:       "timeout",
			err:        fmt.Errorf("persist bid: %w", auctionerrors.ErrTimeout),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "network",
			err:        fmt.Errorf("persist bid: %w", auctionerrors.ErrNetwork),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newFakeSession("s1")
			sess.bidErr = tt.err
			srv := newTestServer(t, fakeSessions{"s1": sess}, &mockRegistrar{})

			resp, err := http.Post(srv.URL+"/api/sessions/s1/bids", "application/json", strings.NewReader(`{"bidPrice":150}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body.Error)
			}
			assert.Equal(t, tt.wantHigh, body.CurrentHighest)
		})
	}
}

func TestServer_PlaceBidBadBody(t *testing.T) {
	sess := newFakeSession("s1")
	srv := newTestServer(t, fakeSessions{"s1": sess}, &mockRegistrar{})

	resp, err := http.Post(srv.URL+"/api/sessions/s1/bids", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, sess.placed())
}

func TestServer_Deposit(t *testing.T) {
	sess := newFakeSession("s1")
	sess.deposited = true
	srv := newTestServer(t, fakeSessions{"s1": sess}, &mockRegistrar{})

	resp, err := http.Get(srv.URL + "/api/sessions/s1/deposit")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body depositResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, depositResponse{SessionID: "s1", UserID: "u1", Deposited: true}, body)
}

func TestServer_Registration(t *testing.T) {
	reg := &mockRegistrar{}
	reg.On("IsRegistered", mock.Anything, "u1", "s9").Return(false, nil).Once()
	reg.On("Register", mock.Anything, "u1", "s9").
		Return(&models.Registration{UserID: "u1", SessionID: "s9", Registered: true}, nil).Once()
	reg.On("Unregister", mock.Anything, "u1", "s9").
		Return(&models.Registration{UserID: "u1", SessionID: "s9", Registered: false}, nil).Once()
	reg.On("RegisteredUsers", mock.Anything, "s9").
		Return([]models.User{{ID: "u1", Username: "ann"}}, nil).Once()

	// registration does not require the session to be followed
	srv := newTestServer(t, fakeSessions{}, reg)
	client := srv.Client()

	get := func(path string) *http.Response {
		resp, err := client.Get(srv.URL + path)
		require.NoError(t, err)
		return resp
	}
	do := func(method, path string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("/api/sessions/s9/registration")
	var status registrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.False(t, status.Registered)

	resp = do(http.MethodPost, "/api/sessions/s9/registration")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.True(t, status.Registered)

	resp = do(http.MethodDelete, "/api/sessions/s9/registration")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.False(t, status.Registered)

	resp = get("/api/sessions/s9/registrants")
	var users []models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	resp.Body.Close()
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)

	reg.AssertExpectations(t)
}

func TestServer_RegistrationError(t *testing.T) {
	reg := &mockRegistrar{}
	reg.On("Register", mock.Anything, "u1", "s9").
		Return(nil, fmt.Errorf("register: %w", auctionerrors.ErrNetwork)).Once()
	srv := newTestServer(t, fakeSessions{}, reg)

	resp, err := http.Post(srv.URL+"/api/sessions/s9/registration", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_RegistrationWithoutUser(t *testing.T) {
	config := DefaultConfig()
	srv := httptest.NewServer(NewServer(config, fakeSessions{}, registration.NewApp(nil, time.Second)).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/s1/registration", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "user id is required")
}

func dialStream(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readView(t *testing.T, conn *websocket.Conn) sessionstore.View {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var view sessionstore.View
	require.NoError(t, conn.ReadJSON(&view))
	return view
}

func TestServer_StreamPushesViews(t *testing.T) {
	sess := newFakeSession("s1")
	srv := newTestServer(t, fakeSessions{"s1": sess}, &mockRegistrar{})

	conn := dialStream(t, srv, "s1")
	first := readView(t, conn)
	assert.Equal(t, int64(100), first.HighestBid)

	require.Eventually(t, func() bool { return sess.watcherCount() == 1 }, time.Second, 10*time.Millisecond)
	sess.push(sessionstore.View{SessionID: "s1", Status: models.SessionStatusOngoing, HighestBid: 250, Freshness: sessionstore.FreshnessLive})

	next := readView(t, conn)
	assert.Equal(t, int64(250), next.HighestBid)
	assert.Equal(t, sessionstore.FreshnessLive, next.Freshness)
}

func TestServer_StreamClosesWhenSessionEnds(t *testing.T) {
	sess := newFakeSession("s1")
	srv := newTestServer(t, fakeSessions{"s1": sess}, &mockRegistrar{})

	conn := dialStream(t, srv, "s1")
	readView(t, conn)

	close(sess.done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			return
		}
	}
}

func TestServer_StreamUnknownSession(t *testing.T) {
	srv := newTestServer(t, fakeSessions{}, &mockRegistrar{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
