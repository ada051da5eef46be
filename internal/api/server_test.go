package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/auth"
	"github.com/darkosells/gaming-marketplace-sub000/internal/config"
	"github.com/darkosells/gaming-marketplace-sub000/internal/feed"
	"github.com/darkosells/gaming-marketplace-sub000/internal/media"
	"github.com/darkosells/gaming-marketplace-sub000/internal/presence"
	"github.com/darkosells/gaming-marketplace-sub000/internal/ratelimit"
	"github.com/darkosells/gaming-marketplace-sub000/internal/repository"
	"github.com/darkosells/gaming-marketplace-sub000/internal/reveal"
	"github.com/darkosells/gaming-marketplace-sub000/internal/service"
	"github.com/darkosells/gaming-marketplace-sub000/internal/typing"
)

const testSecret = "test-secret"

const secretPayload = "━━━━━━━━━━\nDelivery details\nUsername: foo\nPassword: bar\n━━━━━━━━━━"

type apiFixture struct {
	app     *fiber.App
	session *service.Session
	logs    *repository.MemoryAccessLogRepo
	clock   time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		logs:  repository.NewMemoryAccessLogRepo(),
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	limiter := ratelimit.NewWithClock(func() time.Time { return f.clock })
	t.Cleanup(limiter.Stop)

	f.session = service.NewSession(service.Options{
		Conversations: repository.NewMemoryConversationRepo(),
		Messages:      repository.NewMemoryMessageRepo(),
		Limiter:       limiter,
		Media:         media.NewProcessor(media.NewMemoryUploader(), zap.NewNop()),
		Feed:          feed.New(zap.NewNop()),
		Log:           zap.NewNop(),
	})

	cfg := &config.Config{APIRequestsPerMinute: 6000}
	cfg.App.JWTSecret = testSecret

	// unreachable redis: the authoritative limiter fails open
	f.app = NewServer(Deps{
		Config:      cfg,
		Log:         zap.NewNop(),
		Session:     f.session,
		Feed:        feed.New(zap.NewNop()),
		Tracker:     presence.NewTracker(presence.NewMemoryStore(), zap.NewNop()),
		Broadcaster: typing.NewMemoryBroadcaster(),
		AuthLimiter: ratelimit.NewAuthoritative(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "t", zap.NewNop()),
		AccessLogs:  f.logs,
	})
	return f
}

func tokenFor(t *testing.T, actorID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		ActorID:     actorID,
		DisplayName: strings.ToUpper(actorID),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, actorID string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, actorID))
	resp, err := f.app.Test(req, 2000)
	require.NoError(t, err)
	return resp
}

func decodeMessages(t *testing.T, resp *http.Response) []messageResponse {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Data []messageResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Data
}

func TestReplySnapshotOfSecretStaysMaskedUntilReveal(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, service.SendInput{
		Pending:  &service.PendingConversation{OrderID: "ORD-1", PartyA: "buyer", PartyB: "seller"},
		SenderID: "buyer",
		Content:  "hello",
	})
	require.NoError(t, err)
	convID := first.ConversationID

	secret, err := f.session.SendSystem(ctx, convID, "buyer", secretPayload, true)
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Second)
	_, err = f.session.Send(ctx, service.SendInput{
		ConversationID: convID,
		SenderID:       "buyer",
		Content:        "is this still valid?",
		ReplyTo:        secret.ID,
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages", "buyer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeMessages(t, resp)
	require.Len(t, msgs, 3)

	var reply *messageResponse
	for i := range msgs {
		if msgs[i].ID == secret.ID {
			assert.Equal(t, reveal.MaskedPlaceholder, msgs[i].Content)
			assert.Equal(t, reveal.MaskedPlaceholder, msgs[i].DisplayText)
		}
		if msgs[i].ReplyTo == secret.ID {
			reply = &msgs[i]
		}
	}
	require.NotNil(t, reply)
	require.NotNil(t, reply.Replied)
	assert.Equal(t, reveal.MaskedPlaceholder, reply.Replied.Content,
		"reply snapshot leaked an unrevealed payload")
	assert.True(t, reply.Replied.Sensitive)
	assert.Empty(t, f.logs.Rows(), "nothing revealed, nothing logged")

	// after the interstitial confirm, both the message and its snapshots show
	resp = f.do(t, http.MethodPost, "/v1/messages/"+secret.ID+"/reveal/request", "buyer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/messages/"+secret.ID+"/reveal/confirm", "buyer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.logs.Rows(), 1)

	msgs = decodeMessages(t, f.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages", "buyer"))
	for i := range msgs {
		if msgs[i].ReplyTo == secret.ID {
			assert.Contains(t, msgs[i].Replied.Content, "Password: bar")
		}
	}
}

func TestRevealStateScopedToViewer(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	first, err := f.session.Send(ctx, service.SendInput{
		Pending:  &service.PendingConversation{OrderID: "ORD-2", PartyA: "buyer", PartyB: "seller"},
		SenderID: "buyer",
		Content:  "hello",
	})
	require.NoError(t, err)
	secret, err := f.session.SendSystem(ctx, first.ConversationID, "buyer", secretPayload, true)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/v1/messages/"+secret.ID+"/reveal/request", "buyer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/messages/"+secret.ID+"/reveal/confirm", "buyer")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the seller's view stays masked even though the buyer revealed
	msgs := decodeMessages(t, f.do(t, http.MethodGet, "/v1/conversations/"+first.ConversationID+"/messages", "seller"))
	for i := range msgs {
		if msgs[i].ID == secret.ID {
			assert.Equal(t, reveal.MaskedPlaceholder, msgs[i].Content)
		}
	}
}

func TestIdleGuardsEvicted(t *testing.T) {
	s := &Server{
		log:        zap.NewNop(),
		accessLogs: repository.NewMemoryAccessLogRepo(),
		guards:     make(map[string]*guardEntry),
	}

	s.guardFor("buyer").RequestReveal("m1")
	require.True(t, s.guardFor("buyer").IsPending("m1"))

	// an idle actor's reveal state does not survive the sweep
	s.guards["buyer"].lastSeen = time.Now().Add(-2 * guardIdleTTL)
	s.guardFor("seller") // fresh activity stays
	s.evictIdleGuards(time.Now().Add(-guardIdleTTL))

	assert.False(t, s.guardFor("buyer").IsPending("m1"), "evicted guard kept its state")
	assert.Contains(t, s.guards, "seller")
}
