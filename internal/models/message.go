package models

import "time"

const (
	KindUser   = "user"
	KindSystem = "system"

	// SystemSender is the sender id carried by fulfillment-produced messages.
	SystemSender = "system"

	// MaxContentRunes bounds user message text. Empty content is allowed only
	// when an image is attached.
	MaxContentRunes = 2000
)

// Message is an append-only row in a conversation. Only the Read flag ever
// mutates, false to true, and only by the receiver.
type Message struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	SenderID       string    `bson:"sender_id" json:"sender_id"`
	ReceiverID     string    `bson:"receiver_id" json:"receiver_id"`
	Content        string    `bson:"content" json:"content"`
	ImageURL       string    `bson:"image_url,omitempty" json:"image_url,omitempty"`
	ReplyTo        string    `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	Kind           string    `bson:"kind" json:"kind"`
	ContainsSecret bool      `bson:"contains_secret,omitempty" json:"contains_secret,omitempty"`
	Read           bool      `bson:"read" json:"read"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// ReplySnapshot is a shallow view of a replied-to message, resolved once at
// list time. Available is false when the referenced message cannot be loaded;
// the reply still renders with a fallback.
type ReplySnapshot struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Available  bool   `json:"available"`
	// Sensitive marks a snapshot of a credential-bearing message; renderers
	// must apply the same reveal gate to it as to the original.
	Sensitive bool `json:"sensitive,omitempty"`
}

// MessageView is what a viewer renders: the message plus its sender's
// display identity and, when set, the reply snapshot.
type MessageView struct {
	Message    `bson:",inline" json:",inline"`
	SenderName string         `json:"sender_name"`
	Replied    *ReplySnapshot `json:"replied,omitempty"`
}
