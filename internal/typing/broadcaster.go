package typing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is a single ephemeral typing signal. It is never persisted and may be
// dropped; a lost event only means the indicator does not show.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	ActorID        string    `json:"actor_id"`
	DisplayName    string    `json:"display_name"`
	SeenAt         time.Time `json:"seen_at"`
}

// Broadcaster is the at-most-once pub/sub channel scoped by conversation.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe invokes fn for every event on the conversation's channel and
	// returns an unsubscribe func.
	Subscribe(conversationID string, fn func(Event)) (func(), error)
}

const subjectPrefix = "typing."

// NATSBroadcaster rides core NATS subjects, whose fire-and-forget delivery
// matches the advisory nature of typing signals.
type NATSBroadcaster struct {
	nc *nats.Conn
}

func NewNATSBroadcaster(nc *nats.Conn) *NATSBroadcaster {
	return &NATSBroadcaster{nc: nc}
}

func (b *NATSBroadcaster) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(subjectPrefix+ev.ConversationID, payload)
}

func (b *NATSBroadcaster) Subscribe(conversationID string, fn func(Event)) (func(), error) {
	sub, err := b.nc.Subscribe(subjectPrefix+conversationID, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// MemoryBroadcaster is the in-process Broadcaster used in tests and
// single-instance deployments.
type MemoryBroadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Event)
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[string]map[int]func(Event))}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs[ev.ConversationID] {
		fn(ev)
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(conversationID string, fn func(Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[conversationID][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[conversationID], id)
	}, nil
}
