package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/auth"
	"github.com/darkosells/gaming-marketplace-sub000/internal/typing"
)

// envelope is the single frame shape both directions speak.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	frameMessage  = "message"
	frameRead     = "read"
	framePresence = "presence"
	frameTyping   = "typing"
)

// handleWS bridges one viewer's conversation: change-feed events, the
// counterpart's presence, and typing signals, all torn down when the socket
// closes.
func (s *Server) handleWS() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		defer conn.Close()

		claims, _ := conn.Locals(claimsKey).(*auth.Claims)
		if claims == nil {
			return
		}
		conversationID := conn.Params("id")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		conv, err := s.session.GetConversation(ctx, conversationID, claims.ActorID)
		if err != nil {
			s.log.Warn("ws rejected", zap.String("conversation", conversationID),
				zap.String("actor", claims.ActorID), zap.Error(err))
			return
		}
		counterpart, _ := conv.OtherParty(claims.ActorID)

		out := make(chan envelope, 32)
		push := func(frameType string, payload interface{}) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			select {
			case out <- envelope{Type: frameType, Data: data}:
			default:
				// slow socket; the client refetches on reconnect
			}
		}

		// our own presence heartbeat while the view is open
		go s.tracker.Heartbeat(ctx, claims.ActorID)

		// counterpart presence polling
		statuses := s.tracker.Watch(ctx, counterpart)
		go func() {
			for st := range statuses {
				push(framePresence, st)
			}
		}()

		// conversation change feed
		sub := s.feed.Subscribe(conversationID, 32)
		defer sub.Close()
		go func() {
			for ev := range sub.Events() {
				push(frameMessage, ev)
			}
		}()

		// typing set for this viewer, fed by the broadcast channel
		watcher := typing.NewWatcher(claims.ActorID, func(peers []typing.Peer) {
			push(frameTyping, peers)
		})
		defer watcher.Close()
		unsub, err := s.broadcaster.Subscribe(conversationID, watcher.Observe)
		if err != nil {
			s.log.Warn("typing subscribe failed", zap.String("conversation", conversationID), zap.Error(err))
		} else {
			defer unsub()
		}

		// single writer goroutine; gorilla-style conns allow one writer only
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-out:
					conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
					if err := conn.WriteJSON(env); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// read loop: typing signals and read receipts from the client
		for {
			var frame inboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				cancel()
				break
			}
			switch frame.Type {
			case frameTyping:
				if err := s.signaler.InputChanged(ctx, conversationID, claims.ActorID, claims.DisplayName, frame.Text); err != nil {
					s.log.Debug("typing broadcast failed", zap.Error(err))
				}
			case frameRead:
				if err := s.session.MarkRead(ctx, conversationID, claims.ActorID); err != nil {
					s.log.Warn("ws mark read failed", zap.Error(err))
				}
			}
		}
		<-writeDone
	}
}
