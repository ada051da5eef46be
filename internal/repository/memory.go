package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
)

// In-memory implementations backing tests and single-process tooling. They
// honor the same contracts as the Mongo repos, including the link uniqueness
// constraint.

type MemoryConversationRepo struct {
	mu    sync.RWMutex
	convs map[string]*models.Conversation
}

func NewMemoryConversationRepo() *MemoryConversationRepo {
	return &MemoryConversationRepo{convs: make(map[string]*models.Conversation)}
}

func (r *MemoryConversationRepo) Create(_ context.Context, c *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.convs {
		if c.OrderID != "" && existing.OrderID == c.OrderID {
			return ErrConversationExists
		}
		if c.ServiceOrderID != "" && existing.ServiceOrderID == c.ServiceOrderID {
			return ErrConversationExists
		}
	}
	cp := *c
	r.convs[c.ID] = &cp
	return nil
}

func (r *MemoryConversationRepo) Get(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryConversationRepo) FindByOrder(_ context.Context, orderID string) (*models.Conversation, error) {
	return r.find(func(c *models.Conversation) bool { return orderID != "" && c.OrderID == orderID })
}

func (r *MemoryConversationRepo) FindByServiceOrder(_ context.Context, serviceOrderID string) (*models.Conversation, error) {
	return r.find(func(c *models.Conversation) bool {
		return serviceOrderID != "" && c.ServiceOrderID == serviceOrderID
	})
}

func (r *MemoryConversationRepo) find(match func(*models.Conversation) bool) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.convs {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryConversationRepo) ListForActor(_ context.Context, actorID string) ([]*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Conversation
	for _, c := range r.convs {
		if c.HasParty(actorID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (r *MemoryConversationRepo) TouchLastMessage(_ context.Context, id, text string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.LastMessage = text
	c.LastMessageAt = at
	return nil
}

type MemoryMessageRepo struct {
	mu   sync.RWMutex
	msgs []*models.Message

	// FailInserts forces Insert errors to exercise persistence-failure paths.
	FailInserts bool
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{}
}

func (r *MemoryMessageRepo) Insert(_ context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInserts {
		return errors.New("insert failed")
	}
	cp := *m
	r.msgs = append(r.msgs, &cp)
	return nil
}

func (r *MemoryMessageRepo) Get(_ context.Context, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.msgs {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryMessageRepo) ListForConversation(_ context.Context, conversationID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Message
	for _, m := range r.msgs {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryMessageRepo) MarkConversationRead(_ context.Context, conversationID, actorID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.msgs {
		if m.ConversationID == conversationID && m.ReceiverID == actorID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (r *MemoryMessageRepo) CountUnread(_ context.Context, conversationID, actorID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, m := range r.msgs {
		if m.ConversationID == conversationID && m.ReceiverID == actorID && !m.Read {
			n++
		}
	}
	return n, nil
}

type MemoryAccessLogRepo struct {
	mu   sync.Mutex
	rows []*models.DeliveryAccessLog

	// FailInserts forces Insert errors so reveal ordering can be tested.
	FailInserts bool
}

func NewMemoryAccessLogRepo() *MemoryAccessLogRepo {
	return &MemoryAccessLogRepo{}
}

func (r *MemoryAccessLogRepo) Insert(_ context.Context, l *models.DeliveryAccessLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInserts {
		return errors.New("insert failed")
	}
	cp := *l
	r.rows = append(r.rows, &cp)
	return nil
}

// Rows snapshots the appended audit rows.
func (r *MemoryAccessLogRepo) Rows() []*models.DeliveryAccessLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.DeliveryAccessLog, len(r.rows))
	copy(out, r.rows)
	return out
}
