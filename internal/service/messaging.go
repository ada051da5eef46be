package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/feed"
	"github.com/darkosells/gaming-marketplace-sub000/internal/media"
	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
	"github.com/darkosells/gaming-marketplace-sub000/internal/notify"
	"github.com/darkosells/gaming-marketplace-sub000/internal/ratelimit"
	"github.com/darkosells/gaming-marketplace-sub000/internal/repository"
	"github.com/darkosells/gaming-marketplace-sub000/internal/reveal"
)

var (
	ErrEmptyMessage   = errors.New("message needs text or an image")
	ErrContentTooLong = fmt.Errorf("message exceeds %d characters", models.MaxContentRunes)
	ErrSelfMessage    = errors.New("cannot start a conversation with yourself")
	ErrNotParticipant = errors.New("not a party to this conversation")
	ErrNoTarget       = errors.New("no conversation or pending context given")
	ErrAmbiguousLink  = errors.New("a conversation links to one order or one service order, not both")
	ErrForeignReply   = errors.New("reply target belongs to another conversation")
)

// RateLimitedError is the advisory throttling denial. Recoverable; the caller
// shows Reason and retries later.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return e.Reason }

// PersistenceError marks a store write/read failure. The caller keeps the
// composer state so the user can retry without retyping.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// PendingConversation is a conversation composed client-side that does not
// exist yet; it materializes on first send.
type PendingConversation struct {
	OrderID        string
	ServiceOrderID string
	PartyA         string
	PartyB         string
}

type ImageAttachment struct {
	Data        []byte
	ContentType string
}

// SendInput targets either an existing conversation (ConversationID) or a
// pending one (Pending).
type SendInput struct {
	ConversationID string
	Pending        *PendingConversation
	SenderID       string
	SenderName     string
	Content        string
	Image          *ImageAttachment
	ReplyTo        string
}

// NameResolver maps actor ids to display names. Identity is owned elsewhere;
// the messaging core only renders what it is given.
type NameResolver func(actorID string) string

// Session orchestrates one actor's messaging: throttling, validation, the
// image pipeline, persistence, change-feed fan-out and notification offers.
type Session struct {
	conversations repository.ConversationRepo
	messages      repository.MessageRepo
	limiter       *ratelimit.Limiter
	media         *media.Processor
	feed          *feed.Feed
	notifier      notify.Notifier
	names         NameResolver
	log           *zap.Logger
	now           func() time.Time
}

type Options struct {
	Conversations repository.ConversationRepo
	Messages      repository.MessageRepo
	Limiter       *ratelimit.Limiter
	Media         *media.Processor
	Feed          *feed.Feed
	Notifier      notify.Notifier
	Names         NameResolver
	Log           *zap.Logger
}

func NewSession(opts Options) *Session {
	names := opts.Names
	if names == nil {
		names = func(actorID string) string { return actorID }
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		conversations: opts.Conversations,
		messages:      opts.Messages,
		limiter:       opts.Limiter,
		media:         opts.Media,
		feed:          opts.Feed,
		notifier:      opts.Notifier,
		names:         names,
		log:           log,
		now:           time.Now,
	}
}

// Send runs the full submit pipeline and returns the persisted message.
func (s *Session) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	if d := s.limiter.CheckMessage(in.SenderID); !d.Allowed {
		return nil, &RateLimitedError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}
	if utf8.RuneCountInString(in.Content) > models.MaxContentRunes {
		return nil, ErrContentTooLong
	}
	if strings.TrimSpace(in.Content) == "" && in.Image == nil {
		return nil, ErrEmptyMessage
	}

	conv, err := s.resolveConversation(ctx, in)
	if err != nil {
		return nil, err
	}
	receiver, ok := conv.OtherParty(in.SenderID)
	if !ok {
		return nil, ErrNotParticipant
	}
	if receiver == in.SenderID {
		return nil, ErrSelfMessage
	}

	if hits := scanContent(in.Content); len(hits) > 0 {
		s.log.Warn("message flagged by content scan",
			zap.String("sender", in.SenderID),
			zap.String("conversation", conv.ID),
			zap.Strings("hits", hits))
	}

	var imageURL string
	if in.Image != nil {
		imageURL, err = s.media.UploadImage(ctx, in.SenderID, in.Image.Data, in.Image.ContentType)
		if err != nil {
			return nil, err
		}
	}

	if in.ReplyTo != "" {
		if err := s.checkReplyTarget(ctx, conv.ID, in.ReplyTo); err != nil {
			return nil, err
		}
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Content:        in.Content,
		ImageURL:       imageURL,
		ReplyTo:        in.ReplyTo,
		Kind:           models.KindUser,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.messages.Insert(ctx, msg); err != nil {
		return nil, &PersistenceError{Op: "insert message", Err: err}
	}
	s.limiter.RecordMessage(in.SenderID)

	// cache update is sequenced strictly after the confirmed insert
	preview := msg.Content
	if preview == "" {
		preview = "[image]"
	}
	if err := s.conversations.TouchLastMessage(ctx, conv.ID, preview, msg.CreatedAt); err != nil {
		s.log.Warn("last-message cache not updated",
			zap.String("conversation", conv.ID), zap.Error(err))
	}

	s.feed.Publish(ctx, feed.Event{Type: feed.EventInsert, ConversationID: conv.ID, Message: msg})
	s.offerNotification(conv, msg, in.SenderName)
	return msg, nil
}

// SendSystem is the fulfillment collaborator's entry point. System messages
// bypass throttling; containsSecret tags credential deliveries explicitly so
// the reveal guard does not have to rely on the text heuristic.
func (s *Session) SendSystem(ctx context.Context, conversationID, recipientID, content string, containsSecret bool) (*models.Message, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParty(recipientID) {
		return nil, ErrNotParticipant
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       models.SystemSender,
		ReceiverID:     recipientID,
		Content:        content,
		Kind:           models.KindSystem,
		ContainsSecret: containsSecret,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.messages.Insert(ctx, msg); err != nil {
		return nil, &PersistenceError{Op: "insert system message", Err: err}
	}
	preview := content
	if containsSecret {
		// a secret payload never lands in the denormalized preview
		preview = "Delivery details available"
	}
	if err := s.conversations.TouchLastMessage(ctx, conv.ID, preview, msg.CreatedAt); err != nil {
		s.log.Warn("last-message cache not updated",
			zap.String("conversation", conv.ID), zap.Error(err))
	}
	s.feed.Publish(ctx, feed.Event{Type: feed.EventInsert, ConversationID: conv.ID, Message: msg})
	return msg, nil
}

// GetConversation loads a conversation the actor is a party to.
func (s *Session) GetConversation(ctx context.Context, conversationID, actorID string) (*models.Conversation, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParty(actorID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// GetMessage loads a message, checking the actor is a party to its
// conversation.
func (s *Session) GetMessage(ctx context.Context, messageID, actorID string) (*models.Message, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetConversation(ctx, msg.ConversationID, actorID); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead bulk-transitions the actor's unread messages in the conversation.
// Idempotent.
func (s *Session) MarkRead(ctx context.Context, conversationID, actorID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParty(actorID) {
		return ErrNotParticipant
	}
	n, err := s.messages.MarkConversationRead(ctx, conversationID, actorID)
	if err != nil {
		return &PersistenceError{Op: "mark read", Err: err}
	}
	if n > 0 {
		s.feed.Publish(ctx, feed.Event{Type: feed.EventUpdate, ConversationID: conversationID, ActorID: actorID})
	}
	return nil
}

// ListConversations returns the actor's conversations, newest activity first,
// each annotated with a freshly computed unread count.
func (s *Session) ListConversations(ctx context.Context, actorID string) ([]models.ConversationSummary, error) {
	convs, err := s.conversations.ListForActor(ctx, actorID)
	if err != nil {
		return nil, &PersistenceError{Op: "list conversations", Err: err}
	}
	out := make([]models.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		unread, err := s.messages.CountUnread(ctx, c.ID, actorID)
		if err != nil {
			return nil, &PersistenceError{Op: "count unread", Err: err}
		}
		out = append(out, models.ConversationSummary{Conversation: *c, UnreadCount: unread})
	}
	return out, nil
}

// ListMessages returns the conversation ascending by time, each message
// carrying its sender's display name and, when replying, a shallow snapshot
// of the referenced message. Reply chains are resolved exactly one level.
func (s *Session) ListMessages(ctx context.Context, conversationID, actorID string) ([]models.MessageView, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParty(actorID) {
		return nil, ErrNotParticipant
	}
	msgs, err := s.messages.ListForConversation(ctx, conversationID)
	if err != nil {
		return nil, &PersistenceError{Op: "list messages", Err: err}
	}

	byID := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	out := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := models.MessageView{Message: *m, SenderName: s.displayName(m.SenderID)}
		if m.ReplyTo != "" {
			view.Replied = s.replySnapshot(byID, m.ReplyTo)
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *Session) displayName(actorID string) string {
	if actorID == models.SystemSender {
		return "System"
	}
	return s.names(actorID)
}

// replySnapshot resolves a replied-to message shallowly. A missing original
// yields an unavailable snapshot; the reply still renders with a fallback.
func (s *Session) replySnapshot(byID map[string]*models.Message, replyTo string) *models.ReplySnapshot {
	orig, ok := byID[replyTo]
	if !ok {
		return &models.ReplySnapshot{MessageID: replyTo}
	}
	return &models.ReplySnapshot{
		MessageID:  orig.ID,
		Content:    orig.Content,
		ImageURL:   orig.ImageURL,
		SenderName: s.displayName(orig.SenderID),
		Available:  true,
		Sensitive:  reveal.IsSensitive(orig),
	}
}

func (s *Session) resolveConversation(ctx context.Context, in SendInput) (*models.Conversation, error) {
	switch {
	case in.ConversationID != "":
		conv, err := s.conversations.Get(ctx, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.HasParty(in.SenderID) {
			return nil, ErrNotParticipant
		}
		return conv, nil
	case in.Pending != nil:
		return s.ensureConversation(ctx, in.Pending, in.SenderID)
	}
	return nil, ErrNoTarget
}

// ensureConversation materializes a pending conversation. Creation is
// optimistic: the store's uniqueness constraint on the link decides races,
// and the loser refetches the winner's row.
func (s *Session) ensureConversation(ctx context.Context, p *PendingConversation, senderID string) (*models.Conversation, error) {
	if p.PartyA == p.PartyB {
		return nil, ErrSelfMessage
	}
	if senderID != p.PartyA && senderID != p.PartyB {
		return nil, ErrNotParticipant
	}
	if p.OrderID != "" && p.ServiceOrderID != "" {
		return nil, ErrAmbiguousLink
	}

	if d := s.limiter.CheckConversation(senderID); !d.Allowed {
		return nil, &RateLimitedError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}

	now := s.now().UTC()
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		PartyA:         p.PartyA,
		PartyB:         p.PartyB,
		OrderID:        p.OrderID,
		ServiceOrderID: p.ServiceOrderID,
		LastMessageAt:  now,
		CreatedAt:      now,
	}
	err := s.conversations.Create(ctx, conv)
	if err == nil {
		s.limiter.RecordConversation(senderID)
		return conv, nil
	}
	if errors.Is(err, repository.ErrConversationExists) {
		return s.refetchByLink(ctx, p)
	}
	return nil, &PersistenceError{Op: "create conversation", Err: err}
}

func (s *Session) refetchByLink(ctx context.Context, p *PendingConversation) (*models.Conversation, error) {
	var (
		conv *models.Conversation
		err  error
	)
	if p.OrderID != "" {
		conv, err = s.conversations.FindByOrder(ctx, p.OrderID)
	} else {
		conv, err = s.conversations.FindByServiceOrder(ctx, p.ServiceOrderID)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "refetch conversation", Err: err}
	}
	return conv, nil
}

func (s *Session) offerNotification(conv *models.Conversation, msg *models.Message, senderName string) {
	if s.notifier == nil {
		return
	}
	if senderName == "" {
		senderName = s.displayName(msg.SenderID)
	}
	offer := notify.Offer{
		RecipientID:    msg.ReceiverID,
		SenderName:     senderName,
		Preview:        notify.Preview(msg.Content),
		ConversationID: conv.ID,
		OrderID:        conv.OrderID,
		ServiceOrderID: conv.ServiceOrderID,
		SentAt:         msg.CreatedAt,
	}
	// fire and forget: a notification failure never fails the send
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.Offer(ctx, offer); err != nil {
			s.log.Warn("notification offer failed",
				zap.String("recipient", offer.RecipientID), zap.Error(err))
		}
	}()
}

func (s *Session) checkReplyTarget(ctx context.Context, conversationID, replyTo string) error {
	orig, err := s.messages.Get(ctx, replyTo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// weak reference: the reply is allowed, it will render with the
			// unavailable fallback
			return nil
		}
		return &PersistenceError{Op: "resolve reply target", Err: err}
	}
	if orig.ConversationID != conversationID {
		return ErrForeignReply
	}
	return nil
}

var (
	urlPattern   = regexp.MustCompile(`(?i)\bhttps?://\S+`)
	emailPattern = regexp.MustCompile(`(?i)\b[\w.+-]+@[\w-]+\.[\w.]+\b`)
)

// offPlatformHints are keywords the content scan flags for moderation. The
// scan is advisory: flagged messages are still delivered, only logged.
var offPlatformHints = []string{"whatsapp", "telegram", "discord", "paypal"}

func scanContent(text string) []string {
	var hits []string
	if urlPattern.MatchString(text) {
		hits = append(hits, "url")
	}
	if emailPattern.MatchString(text) {
		hits = append(hits, "email")
	}
	lower := strings.ToLower(text)
	for _, hint := range offPlatformHints {
		if strings.Contains(lower, hint) {
			hits = append(hits, hint)
		}
	}
	return hits
}
