package models

import "time"

// Conversation is the two-party thread container. A conversation is linked to
// at most one marketplace order or one boosting service order, never both.
type Conversation struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	PartyA         string    `bson:"party_a" json:"party_a"`
	PartyB         string    `bson:"party_b" json:"party_b"`
	OrderID        string    `bson:"order_id,omitempty" json:"order_id,omitempty"`
	ServiceOrderID string    `bson:"service_order_id,omitempty" json:"service_order_id,omitempty"`
	LastMessage    string    `bson:"last_message,omitempty" json:"last_message,omitempty"`
	LastMessageAt  time.Time `bson:"last_message_at" json:"last_message_at"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

func (c *Conversation) HasParty(actorID string) bool {
	return actorID != "" && (actorID == c.PartyA || actorID == c.PartyB)
}

// OtherParty returns the counterpart of actorID. ok is false when actorID is
// not a party to the conversation.
func (c *Conversation) OtherParty(actorID string) (string, bool) {
	switch actorID {
	case c.PartyA:
		return c.PartyB, true
	case c.PartyB:
		return c.PartyA, true
	}
	return "", false
}

// ConversationSummary is a conversation annotated with the viewer's unread
// count. The count is computed per request, never stored.
type ConversationSummary struct {
	Conversation `bson:",inline" json:",inline"`
	UnreadCount  int64 `bson:"-" json:"unread_count"`
}
