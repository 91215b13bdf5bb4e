package bidchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the websocket transport
type WebSocketConfig struct {
	URL            string        `yaml:"url"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MinBackoff     time.Duration `yaml:"min_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultWebSocketConfig returns default websocket transport configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:            "ws://localhost:8080/ws",
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		MinBackoff:     time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Frame actions sent by the client.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPublish     = "publish"
)

type clientFrame struct {
	Action string          `json:"action"`
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type serverFrame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketDialer opens one websocket connection per handle.
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	clock  clockwork.Clock
}

func NewWebSocketDialer(config WebSocketConfig, clock clockwork.Clock) *WebSocketDialer {
	defaults := DefaultWebSocketConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.WriteTimeout,
		},
		clock: clock,
	}
}

// Dial connects once and then keeps the connection alive until Close,
// reconnecting with doubling backoff.
func (d *WebSocketDialer) Dial(ctx context.Context, opts DialOptions) (Transport, error) {
	header := http.Header{}
	if opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	conn, _, err := d.dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", d.config.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		config:      d.config,
		dialer:      d.dialer,
		clock:       d.clock,
		header:      header,
		onConnState: opts.OnConnState,
		handlers:    make(map[string]func([]byte)),
		send:        make(chan []byte, 64),
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		connected:   true,
	}
	t.notify(Connected)
	go t.run(conn)

	return t, nil
}

type wsTransport struct {
	config      WebSocketConfig
	dialer      *websocket.Dialer
	clock       clockwork.Clock
	header      http.Header
	onConnState func(ConnState)

	mu        sync.Mutex
	handlers  map[string]func([]byte)
	connected bool

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *wsTransport) Subscribe(topic string, handler func(data []byte)) error {
	t.mu.Lock()
	t.handlers[topic] = handler
	connected := t.connected
	t.mu.Unlock()

	// Disconnected subscriptions go out with the resubscribe after reconnect.
	if !connected {
		return nil
	}
	return t.enqueue(t.ctx, clientFrame{Action: actionSubscribe, Topic: topic})
}

func (t *wsTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	_, ok := t.handlers[topic]
	delete(t.handlers, topic)
	connected := t.connected
	t.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return t.enqueue(t.ctx, clientFrame{Action: actionUnsubscribe, Topic: topic})
}

func (t *wsTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return t.enqueue(ctx, clientFrame{Action: actionPublish, Topic: topic, Data: data})
}

// Close stops the connection loop and waits for it to exit.
func (t *wsTransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}

func (t *wsTransport) enqueue(ctx context.Context, frame clientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Action, err)
	}
	select {
	case t.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrNotConnected
	}
}

func (t *wsTransport) notify(state ConnState) {
	if t.onConnState != nil {
		t.onConnState(state)
	}
}

func (t *wsTransport) setConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// run serves a connection until it fails, then reconnects, until Close.
func (t *wsTransport) run(conn *websocket.Conn) {
	defer close(t.done)

	for {
		err := t.serve(conn)
		if t.ctx.Err() != nil {
			return
		}

		t.setConnected(false)
		log.Warn().Err(err).Str("url", t.config.URL).Msg("websocket disconnected")
		t.notify(Disconnected)

		conn = t.reconnect()
		if conn == nil {
			return
		}

		t.drainSend()
		t.setConnected(true)
		t.resubscribe()
		log.Info().Str("url", t.config.URL).Msg("websocket reconnected")
		t.notify(Reconnected)
	}
}

func (t *wsTransport) reconnect() *websocket.Conn {
	backoff := t.config.MinBackoff
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-t.clock.After(backoff):
		}

		conn, _, err := t.dialer.DialContext(t.ctx, t.config.URL, t.header)
		if err == nil {
			return conn
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket reconnect failed")

		backoff *= 2
		if backoff > t.config.MaxBackoff {
			backoff = t.config.MaxBackoff
		}
	}
}

// drainSend drops frames queued for the dead connection.
func (t *wsTransport) drainSend() {
	for {
		select {
		case <-t.send:
		default:
			return
		}
	}
}

func (t *wsTransport) resubscribe() {
	t.mu.Lock()
	topics := make([]string, 0, len(t.handlers))
	for topic := range t.handlers {
		topics = append(topics, topic)
	}
	t.mu.Unlock()

	for _, topic := range topics {
		if err := t.enqueue(t.ctx, clientFrame{Action: actionSubscribe, Topic: topic}); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("failed to resubscribe")
		}
	}
}

// serve runs the write pump in the background and the read pump inline.
func (t *wsTransport) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writePump(conn, stop)
	}()

	err := t.readPump(conn)
	close(stop)
	conn.Close()
	<-writerDone
	return err
}

func (t *wsTransport) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-stop:
			return
		case <-t.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-t.send:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("failed to write message to websocket")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

func (t *wsTransport) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(t.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected websocket close error")
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		t.dispatch(message)
	}
}

func (t *wsTransport) dispatch(message []byte) {
	var frame serverFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().Err(err).Msg("dropping malformed websocket frame")
		return
	}

	t.mu.Lock()
	handler, ok := t.handlers[frame.Topic]
	t.mu.Unlock()
	if !ok {
		log.Debug().Str("topic", frame.Topic).Msg("no handler for websocket frame")
		return
	}
	handler(frame.Data)
}
