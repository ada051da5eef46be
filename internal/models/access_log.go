package models

import "time"

// AccessReveal is the only access type the messaging core writes.
const AccessReveal = "reveal"

// DeliveryAccessLog is the append-only audit row produced exactly once per
// confirmed reveal of a credential-bearing system message. The messaging core
// never reads these rows back; external audit tooling does.
type DeliveryAccessLog struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	ActorID        string    `bson:"actor_id" json:"actor_id"`
	OrderID        string    `bson:"order_id" json:"order_id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	AccessType     string    `bson:"access_type" json:"access_type"`
	Location       string    `bson:"location" json:"location"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}
