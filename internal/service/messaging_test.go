package service

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/feed"
	"github.com/darkosells/gaming-marketplace-sub000/internal/media"
	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
	"github.com/darkosells/gaming-marketplace-sub000/internal/notify"
	"github.com/darkosells/gaming-marketplace-sub000/internal/ratelimit"
	"github.com/darkosells/gaming-marketplace-sub000/internal/repository"
	"github.com/darkosells/gaming-marketplace-sub000/internal/reveal"
)

type fixture struct {
	session  *Session
	convs    *repository.MemoryConversationRepo
	msgs     *repository.MemoryMessageRepo
	feed     *feed.Feed
	notifier *notify.MemoryNotifier
	uploader *media.MemoryUploader
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		convs:    repository.NewMemoryConversationRepo(),
		msgs:     repository.NewMemoryMessageRepo(),
		feed:     feed.New(zap.NewNop()),
		notifier: notify.NewMemoryNotifier(),
		uploader: media.NewMemoryUploader(),
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	limiter := ratelimit.NewWithClock(func() time.Time { return f.clock })
	t.Cleanup(limiter.Stop)

	f.session = NewSession(Options{
		Conversations: f.convs,
		Messages:      f.msgs,
		Limiter:       limiter,
		Media:         media.NewProcessor(f.uploader, zap.NewNop()),
		Feed:          f.feed,
		Notifier:      f.notifier,
		Names:         strings.ToUpper,
		Log:           zap.NewNop(),
	})
	f.session.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func pendingOrder(orderID string) *PendingConversation {
	return &PendingConversation{OrderID: orderID, PartyA: "buyer", PartyB: "seller"}
}

func TestSendCreatesConversationAndTracksUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.session.Send(ctx, SendInput{
		Pending:  pendingOrder("ORD-1"),
		SenderID: "buyer",
		Content:  "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "seller", msg.ReceiverID)
	assert.Equal(t, models.KindUser, msg.Kind)

	conv, err := f.convs.FindByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", conv.LastMessage)
	assert.Equal(t, msg.CreatedAt, conv.LastMessageAt)

	summaries, err := f.session.ListConversations(ctx, "seller")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.EqualValues(t, 1, summaries[0].UnreadCount)

	// the sender has nothing unread
	mine, err := f.session.ListConversations(ctx, "buyer")
	require.NoError(t, err)
	assert.Zero(t, mine[0].UnreadCount)

	require.NoError(t, f.session.MarkRead(ctx, conv.ID, "seller"))
	require.NoError(t, f.session.MarkRead(ctx, conv.ID, "seller")) // idempotent
	summaries, err = f.session.ListConversations(ctx, "seller")
	require.NoError(t, err)
	assert.Zero(t, summaries[0].UnreadCount)
}

func TestSendAppearsInListInTimestampOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "one"})
	require.NoError(t, err)
	f.advance(2 * time.Second)
	second, err := f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "seller", Content: "two"})
	require.NoError(t, err)

	views, err := f.session.ListMessages(ctx, first.ConversationID, "buyer")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, first.ID, views[0].ID)
	assert.Equal(t, second.ID, views[1].ID)
	assert.Equal(t, "BUYER", views[0].SenderName)
	assert.Equal(t, "SELLER", views[1].SenderName)

	conv, _ := f.convs.Get(ctx, first.ConversationID)
	assert.Equal(t, "two", conv.LastMessage)
}

func TestSendRateLimitedOnTwentyFirstMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "m"})
	require.NoError(t, err)
	for i := 1; i < ratelimit.MessageCap; i++ {
		f.advance(1100 * time.Millisecond)
		_, err := f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "buyer", Content: "m"})
		require.NoError(t, err, "send %d", i+1)
	}

	f.advance(1100 * time.Millisecond)
	_, err = f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "buyer", Content: "over"})
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.NotEmpty(t, rle.Reason)

	// the counterpart is unaffected
	_, err = f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "seller", Content: "ok"})
	assert.NoError(t, err)
}

func TestSendMinGapDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "m"})
	require.NoError(t, err)

	f.advance(400 * time.Millisecond)
	_, err = f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "buyer", Content: "m"})
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 600*time.Millisecond, rle.RetryAfter)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.session.Send(ctx, SendInput{
		Pending:  pendingOrder("ORD-1"),
		SenderID: "buyer",
		Content:  strings.Repeat("x", models.MaxContentRunes+1),
	})
	assert.ErrorIs(t, err, ErrContentTooLong)

	_, err = f.session.Send(ctx, SendInput{
		Pending:  &PendingConversation{OrderID: "ORD-2", PartyA: "buyer", PartyB: "buyer"},
		SenderID: "buyer", Content: "hi",
	})
	assert.ErrorIs(t, err, ErrSelfMessage)

	_, err = f.session.Send(ctx, SendInput{
		Pending:  &PendingConversation{OrderID: "ORD-2", ServiceOrderID: "SVC-1", PartyA: "buyer", PartyB: "seller"},
		SenderID: "buyer", Content: "hi",
	})
	assert.ErrorIs(t, err, ErrAmbiguousLink)

	_, err = f.session.Send(ctx, SendInput{SenderID: "buyer", Content: "hi"})
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestSendToForeignConversationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "hi"})
	require.NoError(t, err)

	_, err = f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "stranger", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.session.Send(ctx, SendInput{ConversationID: "no-such", SenderID: "buyer", Content: "hi"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConcurrentFirstSendsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link := &PendingConversation{ServiceOrderID: "SVC-9", PartyA: "customer", PartyB: "booster"}
	a, err := f.session.Send(ctx, SendInput{Pending: link, SenderID: "customer", Content: "first tab"})
	require.NoError(t, err)
	f.advance(2 * time.Second)
	// the second tab still holds a pending context; its create loses the
	// race and appends to the existing conversation
	b, err := f.session.Send(ctx, SendInput{Pending: link, SenderID: "customer", Content: "second tab"})
	require.NoError(t, err)

	assert.Equal(t, a.ConversationID, b.ConversationID)
	views, err := f.session.ListMessages(ctx, a.ConversationID, "booster")
	require.NoError(t, err)
	assert.Len(t, views, 2)
}

func TestPersistenceFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "hi"})
	require.NoError(t, err)
	f.advance(2 * time.Second)

	f.msgs.FailInserts = true
	_, err = f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "buyer", Content: "lost"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)

	conv, _ := f.convs.Get(ctx, first.ConversationID)
	assert.Equal(t, "hi", conv.LastMessage, "cache must not move when the insert failed")
}

func TestUploadFailureBlocksSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.uploader.Fail = true

	_, err := f.session.Send(ctx, SendInput{
		Pending:  pendingOrder("ORD-1"),
		SenderID: "buyer",
		Image:    &ImageAttachment{Data: tinyPNG(t), ContentType: "image/png"},
	})
	require.ErrorIs(t, err, media.ErrUploadFailed)

	conv, err := f.convs.FindByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	msgs, _ := f.msgs.ListForConversation(ctx, conv.ID)
	assert.Empty(t, msgs, "no message persisted without its attachment")
}

func TestImageOnlySendUsesPlaceholderPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.session.Send(ctx, SendInput{
		Pending:  pendingOrder("ORD-1"),
		SenderID: "buyer",
		Image:    &ImageAttachment{Data: tinyPNG(t), ContentType: "image/png"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ImageURL)

	conv, _ := f.convs.Get(ctx, msg.ConversationID)
	assert.Equal(t, "[image]", conv.LastMessage)
}

func TestReplySnapshotResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "original"})
	require.NoError(t, err)
	f.advance(2 * time.Second)
	rep, err := f.session.Send(ctx, SendInput{
		ConversationID: first.ConversationID, SenderID: "seller", Content: "answer", ReplyTo: first.ID,
	})
	require.NoError(t, err)
	f.advance(2 * time.Second)
	// weak reference: a reply to an id that no longer resolves still sends
	ghost, err := f.session.Send(ctx, SendInput{
		ConversationID: first.ConversationID, SenderID: "buyer", Content: "to nothing", ReplyTo: "gone",
	})
	require.NoError(t, err)

	views, err := f.session.ListMessages(ctx, first.ConversationID, "buyer")
	require.NoError(t, err)
	require.Len(t, views, 3)

	replied := viewByID(t, views, rep.ID).Replied
	require.NotNil(t, replied)
	assert.True(t, replied.Available)
	assert.Equal(t, "original", replied.Content)
	assert.Equal(t, "BUYER", replied.SenderName)

	unavailable := viewByID(t, views, ghost.ID).Replied
	require.NotNil(t, unavailable)
	assert.False(t, unavailable.Available)
}

func TestReplyAcrossConversationsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "one"})
	require.NoError(t, err)
	f.advance(2 * time.Second)
	other, err := f.session.Send(ctx, SendInput{
		Pending:  &PendingConversation{OrderID: "ORD-2", PartyA: "buyer", PartyB: "vendor"},
		SenderID: "buyer", Content: "two",
	})
	require.NoError(t, err)

	f.advance(2 * time.Second)
	_, err = f.session.Send(ctx, SendInput{
		ConversationID: other.ConversationID, SenderID: "buyer", Content: "reply", ReplyTo: first.ID,
	})
	require.ErrorIs(t, err, ErrForeignReply)
}

func TestReplySnapshotCarriesSensitivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "hello"})
	require.NoError(t, err)
	secret, err := f.session.SendSystem(ctx, first.ConversationID, "buyer",
		"━━━━━━━━━━\nDelivery details\nPassword: hunter2\n━━━━━━━━━━", true)
	require.NoError(t, err)

	f.advance(2 * time.Second)
	rep, err := f.session.Send(ctx, SendInput{
		ConversationID: first.ConversationID, SenderID: "buyer", Content: "thanks", ReplyTo: secret.ID,
	})
	require.NoError(t, err)

	views, err := f.session.ListMessages(ctx, first.ConversationID, "buyer")
	require.NoError(t, err)
	replied := viewByID(t, views, rep.ID).Replied
	require.NotNil(t, replied)
	assert.True(t, replied.Sensitive, "snapshot of a credential delivery must be flagged")
	assert.False(t, viewByID(t, views, first.ID).ContainsSecret)
}

func TestSendOffersNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.Send(ctx, SendInput{
		Pending: pendingOrder("ORD-1"), SenderID: "buyer", SenderName: "Buyer", Content: "ping",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.notifier.Offers()) == 1 }, time.Second, 5*time.Millisecond)
	offer := f.notifier.Offers()[0]
	assert.Equal(t, "seller", offer.RecipientID)
	assert.Equal(t, "Buyer", offer.SenderName)
	assert.Equal(t, "ping", offer.Preview)
	assert.Equal(t, "ORD-1", offer.OrderID)
}

func TestSendPublishesFeedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "hi"})
	require.NoError(t, err)

	sub := f.feed.Subscribe(first.ConversationID, 4)
	defer sub.Close()
	f.advance(2 * time.Second)
	second, err := f.session.Send(ctx, SendInput{ConversationID: first.ConversationID, SenderID: "seller", Content: "yo"})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, feed.EventInsert, ev.Type)
		assert.Equal(t, second.ID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no insert event on the conversation feed")
	}

	require.NoError(t, f.session.MarkRead(ctx, first.ConversationID, "buyer"))
	select {
	case ev := <-sub.Events():
		assert.Equal(t, feed.EventUpdate, ev.Type)
		assert.Equal(t, "buyer", ev.ActorID)
	case <-time.After(time.Second):
		t.Fatal("no update event after mark-read")
	}
}

func TestDeliveryRevealEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, SendInput{Pending: pendingOrder("ORD-1"), SenderID: "buyer", Content: "paid"})
	require.NoError(t, err)
	f.advance(2 * time.Second)

	payload := "━━━━━━━━━━\nDelivery details\nUsername: foo\nPassword: bar\n━━━━━━━━━━"
	sys, err := f.session.SendSystem(ctx, first.ConversationID, "buyer", payload, true)
	require.NoError(t, err)

	conv, _ := f.convs.Get(ctx, first.ConversationID)
	assert.Equal(t, "Delivery details available", conv.LastMessage, "secret never lands in the preview")

	logs := repository.NewMemoryAccessLogRepo()
	guard := reveal.NewGuard(logs, "conversation")
	require.True(t, reveal.IsSensitive(sys))
	assert.Equal(t, reveal.MaskedPlaceholder, guard.DisplayText(sys))

	guard.RequestReveal(sys.ID)
	require.NoError(t, guard.ConfirmReveal(ctx, sys.ID, "buyer", "ORD-1", first.ConversationID))
	assert.Equal(t, "Delivery details\nUsername: foo\nPassword: bar", guard.DisplayText(sys))
	assert.Len(t, logs.Rows(), 1)
}

func TestConversationCreationRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.ConversationCap; i++ {
		_, err := f.session.Send(ctx, SendInput{
			Pending:  &PendingConversation{PartyA: "buyer", PartyB: "seller"},
			SenderID: "buyer",
			Content:  "hey",
		})
		require.NoError(t, err)
		f.advance(2 * time.Second)
	}

	_, err := f.session.Send(ctx, SendInput{
		Pending:  &PendingConversation{PartyA: "buyer", PartyB: "seller"},
		SenderID: "buyer",
		Content:  "one too many",
	})
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Contains(t, rle.Reason, "minutes")
}

func viewByID(t *testing.T, views []models.MessageView, id string) models.MessageView {
	t.Helper()
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("message %s not in views", id)
	return models.MessageView{}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}
