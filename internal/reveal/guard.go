package reveal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
	"github.com/darkosells/gaming-marketplace-sub000/internal/repository"
)

// MaskedPlaceholder is what a viewer sees instead of an unrevealed secret.
// Fixed shape: it must never leak the length or structure of the payload.
const MaskedPlaceholder = "••••••••••••"

// deliveryHeaders are phrases the fulfillment templates open credential
// deliveries with.
var deliveryHeaders = []string{
	"delivery details",
	"your order has been delivered",
	"account delivered",
	"redemption code delivered",
	"login credentials",
}

// credentialLabels mark a field line as secret-bearing when the surrounding
// text also mentions delivery.
var credentialLabels = []string{"password", "key", "code"}

// separators are the decoration runs the templates frame payloads with.
var separators = []string{"━━━", "───", "==="}

// IsSensitive reports whether a message carries a credential payload. Only
// system messages qualify. An explicit ContainsSecret tag from the
// fulfillment producer wins; otherwise the text heuristic decides. Pure and
// deterministic: same message, same answer.
func IsSensitive(m *models.Message) bool {
	if m == nil || m.Kind != models.KindSystem {
		return false
	}
	if m.ContainsSecret {
		return true
	}
	text := strings.ToLower(m.Content)
	for _, h := range deliveryHeaders {
		if strings.Contains(text, h) {
			return true
		}
	}
	if strings.Contains(text, "delivered") {
		for _, label := range credentialLabels {
			if strings.Contains(text, label+":") {
				return true
			}
		}
	}
	for _, sep := range separators {
		if strings.Contains(text, sep) {
			return true
		}
	}
	return false
}

// ExtractDisplayText strips the template's header/footer decoration from a
// raw payload: separator lines and blank framing disappear, the field lines
// stay verbatim. Idempotent: applying it to its own output changes nothing.
func ExtractDisplayText(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isDecoration(line) {
			continue
		}
		kept = append(kept, line)
	}
	// trim blank framing lines at both ends
	start, end := 0, len(kept)
	for start < end && strings.TrimSpace(kept[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(kept[end-1]) == "" {
		end--
	}
	return strings.Join(kept[start:end], "\n")
}

// isDecoration matches lines made only of separator characters.
func isDecoration(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		switch r {
		case '━', '─', '=', '-', '*', '_':
		default:
			return false
		}
	}
	return true
}

// Guard gates rendering of sensitive system messages for one viewing
// session. Revealed state is per-viewer and per-session only; it is never
// shared between participants or persisted.
type Guard struct {
	logs     repository.AccessLogRepo
	location string
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]struct{}
	revealed map[string]struct{}
}

func NewGuard(logs repository.AccessLogRepo, location string) *Guard {
	return &Guard{
		logs:     logs,
		location: location,
		now:      time.Now,
		pending:  make(map[string]struct{}),
		revealed: make(map[string]struct{}),
	}
}

// RequestReveal marks the message as awaiting the interstitial confirmation.
// Nothing is logged yet; only ConfirmReveal is a security event.
func (g *Guard) RequestReveal(messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[messageID] = struct{}{}
}

// ConfirmReveal durably logs the access and only then marks the message
// revealed. If the audit write fails the message stays masked; the caller
// must not render the plaintext.
func (g *Guard) ConfirmReveal(ctx context.Context, messageID, actorID, orderID, conversationID string) error {
	entry := &models.DeliveryAccessLog{
		ID:             uuid.NewString(),
		ActorID:        actorID,
		OrderID:        orderID,
		ConversationID: conversationID,
		AccessType:     models.AccessReveal,
		Location:       g.location,
		CreatedAt:      g.now().UTC(),
	}
	if err := g.logs.Insert(ctx, entry); err != nil {
		return fmt.Errorf("reveal access log: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, messageID)
	g.revealed[messageID] = struct{}{}
	return nil
}

// Hide re-masks the message locally. Not a security event, nothing is logged.
func (g *Guard) Hide(messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.revealed, messageID)
}

func (g *Guard) IsRevealed(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.revealed[messageID]
	return ok
}

func (g *Guard) IsPending(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[messageID]
	return ok
}

// DisplayText is what this session renders for the message: the masked
// placeholder while a sensitive payload is unrevealed, the cleaned payload
// once revealed, and plain content for everything else.
func (g *Guard) DisplayText(m *models.Message) string {
	if !IsSensitive(m) {
		return m.Content
	}
	if !g.IsRevealed(m.ID) {
		return MaskedPlaceholder
	}
	return ExtractDisplayText(m.Content)
}
