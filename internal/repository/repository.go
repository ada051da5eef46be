package repository

import (
	"context"
	"errors"
	"time"

	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConversationExists means the order or service-order link already has
	// a conversation. Callers refetch by link and use the existing one.
	ErrConversationExists = errors.New("conversation already exists for this link")
)

// ConversationRepo owns the Conversation collection. Create is optimistic:
// the store's uniqueness constraint on the link fields decides races, not a
// preceding existence check.
type ConversationRepo interface {
	Create(ctx context.Context, c *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	FindByOrder(ctx context.Context, orderID string) (*models.Conversation, error)
	FindByServiceOrder(ctx context.Context, serviceOrderID string) (*models.Conversation, error)
	// ListForActor returns every conversation the actor is a party to,
	// newest last-message first.
	ListForActor(ctx context.Context, actorID string) ([]*models.Conversation, error)
	// TouchLastMessage updates the denormalized preview fields. Called only
	// after the message insert is confirmed.
	TouchLastMessage(ctx context.Context, id, text string, at time.Time) error
}

// MessageRepo owns the append-only message log.
type MessageRepo interface {
	Insert(ctx context.Context, m *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	// ListForConversation returns messages ascending by creation time.
	ListForConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
	// MarkConversationRead flips read=true on every unread message addressed
	// to actorID in the conversation. Idempotent; returns how many flipped.
	MarkConversationRead(ctx context.Context, conversationID, actorID string) (int64, error)
	CountUnread(ctx context.Context, conversationID, actorID string) (int64, error)
}

// AccessLogRepo appends DeliveryAccessLog rows. Write-only from this core.
type AccessLogRepo interface {
	Insert(ctx context.Context, l *models.DeliveryAccessLog) error
}
