package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Offer is what the messaging core hands the out-of-band notification
// collaborator. The collaborator applies its own suppression and rate
// limiting; the core never blocks on or inspects the outcome.
type Offer struct {
	RecipientID    string    `json:"recipient_id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	ConversationID string    `json:"conversation_id"`
	OrderID        string    `json:"order_id,omitempty"`
	ServiceOrderID string    `json:"service_order_id,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

type Notifier interface {
	Offer(ctx context.Context, o Offer) error
}

const previewRunes = 80

// Preview truncates message text for notification payloads.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "…"
}

// KafkaNotifier writes offers to the notification topic.
type KafkaNotifier struct {
	writer *kafkago.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		Async:        false,
	}}
}

func (n *KafkaNotifier) Offer(ctx context.Context, o Offer) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(o.RecipientID),
		Value: payload,
		Time:  o.SentAt,
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// MemoryNotifier records offers for tests.
type MemoryNotifier struct {
	mu     sync.Mutex
	offers []Offer
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Offer(_ context.Context, o Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, o)
	return nil
}

func (n *MemoryNotifier) Offers() []Offer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Offer, len(n.offers))
	copy(out, n.offers)
	return out
}
