package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
)

func TestPublishReachesAllConversationSubscribers(t *testing.T) {
	f := New(zap.NewNop())
	a := f.Subscribe("c1", 4)
	b := f.Subscribe("c1", 4)
	other := f.Subscribe("c2", 4)
	defer a.Close()
	defer b.Close()
	defer other.Close()

	msg := &models.Message{ID: "m1", ConversationID: "c1", Content: "hi"}
	f.Publish(context.Background(), Event{Type: EventInsert, ConversationID: "c1", Message: msg})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventInsert, ev.Type)
			assert.Equal(t, "m1", ev.Message.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the insert event")
		}
	}

	select {
	case <-other.Events():
		t.Fatal("event leaked to a different conversation")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInsertOrderPreservedPerConversation(t *testing.T) {
	f := New(zap.NewNop())
	sub := f.Subscribe("c1", 8)
	defer sub.Close()

	for _, id := range []string{"m1", "m2", "m3"} {
		f.Publish(context.Background(), Event{
			Type:           EventInsert,
			ConversationID: "c1",
			Message:        &models.Message{ID: id, ConversationID: "c1"},
		})
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		ev := <-sub.Events()
		require.Equal(t, want, ev.Message.ID)
	}
}

func TestCloseEndsConsumerLoop(t *testing.T) {
	f := New(zap.NewNop())
	sub := f.Subscribe("c1", 4)

	drained := make(chan struct{})
	go func() {
		for range sub.Events() {
		}
		close(drained)
	}()

	sub.Close()
	sub.Close() // closing twice is harmless

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("range over a closed subscription never ended")
	}

	// a publish after close reaches nobody and does not panic
	f.Publish(context.Background(), Event{Type: EventInsert, ConversationID: "c1",
		Message: &models.Message{ID: "m1"}})
	_, open := <-sub.Events()
	assert.False(t, open, "closed subscription delivered an event")
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	f := New(zap.NewNop())
	sub := f.Subscribe("c1", 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.Publish(context.Background(), Event{Type: EventInsert, ConversationID: "c1",
				Message: &models.Message{ID: "m"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
