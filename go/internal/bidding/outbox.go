package bidding

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PendingBroadcast is a persisted bid whose place-bid trigger has not been
// confirmed as published yet.
type PendingBroadcast struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id"`
	BidID     string    `json:"bid_id"`
	UserID    string    `json:"user_id"`
	BidPrice  int64     `json:"bid_price"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox stores pending broadcasts until they are sent.
type Outbox interface {
	Add(ctx context.Context, record PendingBroadcast) error
	// MarkSent removes a record once its broadcast went out.
	MarkSent(ctx context.Context, sessionID string, id uuid.UUID) error
	// Pending returns unsent records of a session, oldest first.
	Pending(ctx context.Context, sessionID string) ([]PendingBroadcast, error)
}

// MemoryOutbox keeps pending broadcasts in process memory.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]map[uuid.UUID]PendingBroadcast
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		records: make(map[string]map[uuid.UUID]PendingBroadcast),
	}
}

func (o *MemoryOutbox) Add(_ context.Context, record PendingBroadcast) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.records[record.SessionID] == nil {
		o.records[record.SessionID] = make(map[uuid.UUID]PendingBroadcast)
	}
	o.records[record.SessionID][record.ID] = record
	return nil
}

// MarkSent forgets the record.
func (o *MemoryOutbox) MarkSent(_ context.Context, sessionID string, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	records, ok := o.records[sessionID]
	if !ok {
		return nil
	}
	delete(records, id)
	if len(records) == 0 {
		delete(o.records, sessionID)
	}
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context, sessionID string) ([]PendingBroadcast, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := make([]PendingBroadcast, 0, len(o.records[sessionID]))
	for _, record := range o.records[sessionID] {
		pending = append(pending, record)
	}
	sortByCreatedAt(pending)
	return pending, nil
}

// RedisOutbox keeps pending broadcasts in one Redis hash per session so they
// survive a restart of the process.
type RedisOutbox struct {
	client redis.Cmdable
	prefix string
}

func NewRedisOutbox(client redis.Cmdable, prefix string) *RedisOutbox {
	if prefix == "" {
		prefix = "gavel:outbox"
	}
	return &RedisOutbox{
		client: client,
		prefix: prefix,
	}
}

func (o *RedisOutbox) Add(ctx context.Context, record PendingBroadcast) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal pending broadcast: %w", err)
	}
	if err := o.client.HSet(ctx, o.key(record.SessionID), record.ID.String(), data).Err(); err != nil {
		return fmt.Errorf("store pending broadcast: %w", err)
	}
	return nil
}

func (o *RedisOutbox) MarkSent(ctx context.Context, sessionID string, id uuid.UUID) error {
	if err := o.client.HDel(ctx, o.key(sessionID), id.String()).Err(); err != nil {
		return fmt.Errorf("remove pending broadcast: %w", err)
	}
	return nil
}

func (o *RedisOutbox) Pending(ctx context.Context, sessionID string) ([]PendingBroadcast, error) {
	values, err := o.client.HGetAll(ctx, o.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending broadcasts: %w", err)
	}

	pending := make([]PendingBroadcast, 0, len(values))
	for field, value := range values {
		var record PendingBroadcast
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("unmarshal pending broadcast %s: %w", field, err)
		}
		pending = append(pending, record)
	}
	sortByCreatedAt(pending)
	return pending, nil
}

func (o *RedisOutbox) key(sessionID string) string {
	return o.prefix + ":" + sessionID
}

func sortByCreatedAt(records []PendingBroadcast) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
