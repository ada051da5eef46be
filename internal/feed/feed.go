package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
)

type EventType string

const (
	// EventInsert carries a newly persisted message.
	EventInsert EventType = "insert"
	// EventUpdate signals a read-state change; ActorID is the reader.
	EventUpdate EventType = "update"
)

// Event is one change-feed entry scoped to a conversation. Inserts are
// delivered in store-timestamp order per conversation.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
}

// Subscription is one viewer's handle on a conversation's feed.
type Subscription struct {
	events chan Event
	close  func()
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// Feed fans change events out to every subscribed viewer of a conversation.
// Slow consumers have events dropped rather than blocking the publisher; a
// reconnecting viewer refetches the list anyway. An optional bridge forwards
// events to other instances.
type Feed struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	instanceID string
	log        *zap.Logger

	// Bridge, when set, receives every locally published event for
	// cross-instance delivery.
	Bridge func(ctx context.Context, payload []byte) error
}

func New(log *zap.Logger) *Feed {
	return &Feed{
		subs:       make(map[string]map[*Subscription]struct{}),
		instanceID: uuid.NewString(),
		log:        log,
	}
}

func (f *Feed) Subscribe(conversationID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{events: make(chan Event, buffer)}
	sub.close = func() {
		f.mu.Lock()
		if set, ok := f.subs[conversationID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.subs, conversationID)
			}
		}
		// deliver holds the same lock, so no send can race this close; a
		// closed channel ends the consumer's range loop
		close(sub.events)
		f.mu.Unlock()
	}

	f.mu.Lock()
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[*Subscription]struct{})
	}
	f.subs[conversationID][sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Publish delivers ev to local subscribers and, when a bridge is configured,
// to other instances. Bridge failures are logged and swallowed: local viewers
// already got the event and the store remains the source of truth.
func (f *Feed) Publish(ctx context.Context, ev Event) {
	f.deliver(ev)
	if f.Bridge == nil {
		return
	}
	payload, err := json.Marshal(envelope{Origin: f.instanceID, Event: ev})
	if err != nil {
		f.log.Warn("feed event not bridgeable", zap.Error(err))
		return
	}
	if err := f.Bridge(ctx, payload); err != nil {
		f.log.Warn("feed bridge publish failed",
			zap.String("conversation", ev.ConversationID), zap.Error(err))
	}
}

func (f *Feed) deliver(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs[ev.ConversationID] {
		select {
		case sub.events <- ev:
		default:
			// subscriber is not draining; drop
		}
	}
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

const bridgeChannel = "marketchat:feed"

// RedisBridge wires the feed across instances over Redis pubsub. Attach binds
// the outbound hook; Run relays inbound events until ctx is cancelled.
type RedisBridge struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisBridge(rdb *redis.Client, log *zap.Logger) *RedisBridge {
	return &RedisBridge{rdb: rdb, log: log}
}

func (b *RedisBridge) Attach(f *Feed) {
	f.Bridge = func(ctx context.Context, payload []byte) error {
		return b.rdb.Publish(ctx, bridgeChannel, payload).Err()
	}
}

func (b *RedisBridge) Run(ctx context.Context, f *Feed) {
	pubsub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("feed bridge payload undecodable", zap.Error(err))
				continue
			}
			if env.Origin == f.instanceID {
				continue
			}
			f.deliver(env.Event)
		}
	}
}
