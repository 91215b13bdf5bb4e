package bidchannel

import (
	"context"
	"errors"
	"sync"
)

type published struct {
	topic string
	data  []byte
}

type fakeTransport struct {
	mu          sync.Mutex
	handlers    map[string]func([]byte)
	published   []published
	closed      bool
	publishErr  error
	onConnState func(ConnState)
}

func (f *fakeTransport) Subscribe(topic string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic: topic, data: data})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// push delivers data to the handler of topic, even after unsubscribe, to
// mimic messages already in flight inside a real transport.
func (f *fakeTransport) push(topic string, data []byte, handler func([]byte)) {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		h = handler
	}
	if h != nil {
		h(data)
	}
}

func (f *fakeTransport) handler(topic string) func([]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) publishedMessages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dialErr    error
	tokens     []string
}

func (d *fakeDialer) Dial(ctx context.Context, opts DialOptions) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	t := &fakeTransport{
		handlers:    make(map[string]func([]byte)),
		onConnState: opts.OnConnState,
	}
	d.transports = append(d.transports, t)
	d.tokens = append(d.tokens, opts.AuthToken)
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

var errBoom = errors.New("boom")
