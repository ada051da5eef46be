package api

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/auth"
	"github.com/darkosells/gaming-marketplace-sub000/internal/config"
	"github.com/darkosells/gaming-marketplace-sub000/internal/feed"
	"github.com/darkosells/gaming-marketplace-sub000/internal/media"
	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
	"github.com/darkosells/gaming-marketplace-sub000/internal/presence"
	"github.com/darkosells/gaming-marketplace-sub000/internal/ratelimit"
	"github.com/darkosells/gaming-marketplace-sub000/internal/repository"
	"github.com/darkosells/gaming-marketplace-sub000/internal/reveal"
	"github.com/darkosells/gaming-marketplace-sub000/internal/service"
	"github.com/darkosells/gaming-marketplace-sub000/internal/typing"
)

// Server is the thin delivery surface over the messaging core. All domain
// logic lives in the internal packages; handlers translate and gate.
type Server struct {
	cfg         *config.Config
	log         *zap.Logger
	session     *service.Session
	feed        *feed.Feed
	tracker     *presence.Tracker
	signaler    *typing.Signaler
	broadcaster typing.Broadcaster
	authLimiter *ratelimit.AuthoritativeLimiter
	accessLogs  repository.AccessLogRepo

	guardMu sync.Mutex
	guards  map[string]*guardEntry
}

// guardIdleTTL bounds how long an actor's reveal state outlives their last
// request. Revealed flags are session-local; an idle actor starts masked
// again.
const guardIdleTTL = 30 * time.Minute

type guardEntry struct {
	guard    *reveal.Guard
	lastSeen time.Time
}

type Deps struct {
	Config      *config.Config
	Log         *zap.Logger
	Session     *service.Session
	Feed        *feed.Feed
	Tracker     *presence.Tracker
	Broadcaster typing.Broadcaster
	AuthLimiter *ratelimit.AuthoritativeLimiter
	AccessLogs  repository.AccessLogRepo
}

func NewServer(d Deps) *fiber.App {
	s := &Server{
		cfg:         d.Config,
		log:         d.Log,
		session:     d.Session,
		feed:        d.Feed,
		tracker:     d.Tracker,
		signaler:    typing.NewSignaler(d.Broadcaster),
		broadcaster: d.Broadcaster,
		authLimiter: d.AuthLimiter,
		accessLogs:  d.AccessLogs,
		guards:      make(map[string]*guardEntry),
	}
	go s.sweepGuards()

	app := fiber.New()
	app.Use(recover.New())
	app.Use(NewIPRateLimiter(d.Config.APIRequestsPerMinute, d.Log).Handler())

	v1 := app.Group("/v1")
	v1.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	authed := v1.Group("", JWTMiddleware(auth.NewValidator(d.Config.App.JWTSecret)))
	authed.Get("/conversations", s.listConversations)
	authed.Get("/conversations/:id/messages", s.listMessages)
	authed.Post("/conversations/:id/messages", s.sendToConversation)
	authed.Post("/conversations/:id/read", s.markRead)
	authed.Post("/messages", s.sendToPending)
	authed.Post("/messages/:id/reveal/request", s.requestReveal)
	authed.Post("/messages/:id/reveal/confirm", s.confirmReveal)
	authed.Post("/messages/:id/hide", s.hideReveal)

	authed.Get("/ws/conversations/:id", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	authed.Get("/ws/conversations/:id", websocket.New(s.handleWS()))

	return app
}

// guardFor returns the actor's session-local reveal guard. Reveal state is
// per viewer; two participants never share one.
func (s *Server) guardFor(actorID string) *reveal.Guard {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	e, ok := s.guards[actorID]
	if !ok {
		e = &guardEntry{guard: reveal.NewGuard(s.accessLogs, "conversation")}
		s.guards[actorID] = e
	}
	e.lastSeen = time.Now()
	return e.guard
}

func (s *Server) sweepGuards() {
	for {
		time.Sleep(5 * time.Minute)
		s.evictIdleGuards(time.Now().Add(-guardIdleTTL))
	}
}

func (s *Server) evictIdleGuards(cutoff time.Time) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	for actorID, e := range s.guards {
		if e.lastSeen.Before(cutoff) {
			delete(s.guards, actorID)
		}
	}
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	claims := actorFrom(c)
	out, err := s.session.ListConversations(c.Context(), claims.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"data": out})
}

// messageResponse is a MessageView with the reveal guard applied: sensitive
// payloads render masked until this viewer confirms a reveal.
type messageResponse struct {
	models.MessageView
	DisplayText string `json:"display_text"`
	Sensitive   bool   `json:"sensitive"`
	Revealed    bool   `json:"revealed"`
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	claims := actorFrom(c)
	views, err := s.session.ListMessages(c.Context(), c.Params("id"), claims.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	guard := s.guardFor(claims.ActorID)
	out := make([]messageResponse, 0, len(views))
	for _, v := range views {
		msg := v.Message
		resp := messageResponse{
			MessageView: v,
			DisplayText: guard.DisplayText(&msg),
			Sensitive:   reveal.IsSensitive(&msg),
			Revealed:    guard.IsRevealed(msg.ID),
		}
		if resp.Sensitive && !resp.Revealed {
			// never ship the raw payload to an unrevealed viewer
			resp.Content = reveal.MaskedPlaceholder
		}
		// the same gate applies to snapshots of a sensitive message
		if v.Replied != nil && v.Replied.Sensitive && !guard.IsRevealed(v.Replied.MessageID) {
			snap := *v.Replied
			snap.Content = reveal.MaskedPlaceholder
			resp.Replied = &snap
		}
		out = append(out, resp)
	}
	return c.JSON(fiber.Map{"data": out})
}

type sendRequest struct {
	Content          string `json:"content"`
	ReplyTo          string `json:"reply_to,omitempty"`
	ImageBase64      string `json:"image_base64,omitempty"`
	ImageContentType string `json:"image_content_type,omitempty"`

	// pending-context fields, used only on POST /v1/messages
	OrderID        string `json:"order_id,omitempty"`
	ServiceOrderID string `json:"service_order_id,omitempty"`
	PartyA         string `json:"party_a,omitempty"`
	PartyB         string `json:"party_b,omitempty"`
}

func (r *sendRequest) attachment() (*service.ImageAttachment, error) {
	if r.ImageBase64 == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(r.ImageBase64)
	if err != nil {
		return nil, err
	}
	return &service.ImageAttachment{Data: data, ContentType: r.ImageContentType}, nil
}

func (s *Server) sendToConversation(c *fiber.Ctx) error {
	return s.send(c, c.Params("id"), nil)
}

func (s *Server) sendToPending(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad request body"})
	}
	pending := &service.PendingConversation{
		OrderID:        req.OrderID,
		ServiceOrderID: req.ServiceOrderID,
		PartyA:         req.PartyA,
		PartyB:         req.PartyB,
	}
	return s.sendParsed(c, "", pending, &req)
}

func (s *Server) send(c *fiber.Ctx, conversationID string, pending *service.PendingConversation) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad request body"})
	}
	return s.sendParsed(c, conversationID, pending, &req)
}

func (s *Server) sendParsed(c *fiber.Ctx, conversationID string, pending *service.PendingConversation, req *sendRequest) error {
	claims := actorFrom(c)

	// authoritative actor-keyed throttle; survives reconnects
	if !s.authLimiter.AllowMessage(c.Context(), claims.ActorID) {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "message limit reached"})
	}
	if pending != nil && !s.authLimiter.AllowConversation(c.Context(), claims.ActorID) {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many new conversations"})
	}

	image, err := req.attachment()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad image encoding"})
	}
	msg, err := s.session.Send(c.Context(), service.SendInput{
		ConversationID: conversationID,
		Pending:        pending,
		SenderID:       claims.ActorID,
		SenderName:     claims.DisplayName,
		Content:        req.Content,
		Image:          image,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": msg})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	claims := actorFrom(c)
	if err := s.session.MarkRead(c.Context(), c.Params("id"), claims.ActorID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) requestReveal(c *fiber.Ctx) error {
	claims := actorFrom(c)
	msg, err := s.session.GetMessage(c.Context(), c.Params("id"), claims.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	if !reveal.IsSensitive(msg) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message carries no delivery payload"})
	}
	s.guardFor(claims.ActorID).RequestReveal(msg.ID)
	return c.JSON(fiber.Map{"status": "pending"})
}

func (s *Server) confirmReveal(c *fiber.Ctx) error {
	claims := actorFrom(c)
	msg, err := s.session.GetMessage(c.Context(), c.Params("id"), claims.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	if !reveal.IsSensitive(msg) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message carries no delivery payload"})
	}
	conv, err := s.session.GetConversation(c.Context(), msg.ConversationID, claims.ActorID)
	if err != nil {
		return s.fail(c, err)
	}
	orderID := conv.OrderID
	if orderID == "" {
		orderID = conv.ServiceOrderID
	}
	guard := s.guardFor(claims.ActorID)
	if err := guard.ConfirmReveal(c.Context(), msg.ID, claims.ActorID, orderID, conv.ID); err != nil {
		s.log.Error("reveal confirmation failed", zap.String("message", msg.ID), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "reveal could not be recorded"})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"display_text": guard.DisplayText(msg)}})
}

func (s *Server) hideReveal(c *fiber.Ctx) error {
	claims := actorFrom(c)
	s.guardFor(claims.ActorID).Hide(c.Params("id"))
	return c.JSON(fiber.Map{"status": "ok"})
}

// fail maps domain errors onto HTTP statuses. Nothing raises uncaught across
// this boundary.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	var rle *service.RateLimitedError
	var pe *service.PersistenceError
	switch {
	case errors.As(err, &rle):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":               rle.Reason,
			"retry_after_seconds": int(rle.RetryAfter.Seconds()),
		})
	case errors.Is(err, repository.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, service.ErrNotParticipant):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a party to this conversation"})
	case errors.Is(err, media.ErrUploadFailed):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "image upload failed, message not sent"})
	case errors.Is(err, media.ErrUnsupportedImage), errors.Is(err, media.ErrImageTooLarge),
		errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrContentTooLong),
		errors.Is(err, service.ErrSelfMessage), errors.Is(err, service.ErrAmbiguousLink),
		errors.Is(err, service.ErrNoTarget), errors.Is(err, service.ErrForeignReply):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &pe):
		s.log.Error("persistence failure", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporary storage failure, retry"})
	}
	s.log.Error("unhandled error", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
