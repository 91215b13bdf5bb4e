package bidchannel

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionNotLive is returned when opening a channel for a session
	// that is not ONGOING.
	ErrSessionNotLive = errors.New("session is not live")
	// ErrChannelNotOpen is returned when broadcasting without an open handle.
	ErrChannelNotOpen = errors.New("no open channel for session")
	// ErrNotConnected is returned by transports that cannot publish while
	// they are reconnecting.
	ErrNotConnected = errors.New("transport not connected")
)

// ConnState is a transport connection transition.
type ConnState int

const (
	Connected ConnState = iota
	Disconnected
	Reconnected
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnected:
		return "reconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Transport is one publish/subscribe connection. Handlers may be invoked
// from any goroutine the transport owns.
type Transport interface {
	Subscribe(topic string, handler func(data []byte)) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	Close() error
}

// DialOptions configures one transport connection.
type DialOptions struct {
	AuthToken   string
	OnConnState func(ConnState)
}

// Dialer opens a dedicated Transport for one handle.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Transport, error)
}

// Topics names the per-session feed and trigger topics of a transport.
// Both fields are fmt patterns taking the session id.
type Topics struct {
	Feed    string `yaml:"feed"`
	Trigger string `yaml:"trigger"`
}

// NATSTopics is the subject layout used on NATS.
func NATSTopics() Topics {
	return Topics{
		Feed:    "auction.session.%s.bids",
		Trigger: "auction.session.%s.place-bid",
	}
}

// WebSocketTopics is the destination layout used by the marketplace's
// websocket broker.
func WebSocketTopics() Topics {
	return Topics{
		Feed:    "/rt-product/bidPrice-update/%s",
		Trigger: "/app/rt-auction/placeBid/%s",
	}
}

// FeedTopic is the topic carrying live updates of a session.
func (t Topics) FeedTopic(sessionID string) string {
	return fmt.Sprintf(t.Feed, sessionID)
}

// TriggerTopic is the topic a place-bid trigger is published on.
func (t Topics) TriggerTopic(sessionID string) string {
	return fmt.Sprintf(t.Trigger, sessionID)
}
