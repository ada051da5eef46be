package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	MessageWindow = 60 * time.Second
	MessageCap    = 20
	// MessageMinGap smooths bursts independently of the window cap.
	MessageMinGap = 1000 * time.Millisecond

	ConversationWindow = 3600 * time.Second
	ConversationCap    = 5

	janitorInterval = time.Minute
	idleEviction    = 2 * ConversationWindow
)

// Decision is an advisory throttling verdict. Denials carry a human-readable
// reason and, for conversation creation, how long until retry makes sense.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type actorWindows struct {
	mu            sync.Mutex
	messages      []time.Time
	conversations []time.Time
	lastSeen      time.Time
}

// Limiter keeps per-actor sliding logs for message sends and conversation
// creation. Checks never error; a denial is a Decision with Allowed=false.
type Limiter struct {
	actors sync.Map
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock injects the clock. Tests use it to cross window boundaries
// without sleeping.
func NewWithClock(now func() time.Time) *Limiter {
	l := &Limiter{now: now, stop: make(chan struct{})}
	go l.janitor()
	return l
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) get(actorID string) *actorWindows {
	if v, ok := l.actors.Load(actorID); ok {
		return v.(*actorWindows)
	}
	v, _ := l.actors.LoadOrStore(actorID, &actorWindows{})
	return v.(*actorWindows)
}

// prune drops entries older than cutoff. Entries are appended in time order,
// so the survivors are a suffix.
func prune(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	return entries[i:]
}

func (l *Limiter) CheckMessage(actorID string) Decision {
	now := l.now()
	w := l.get(actorID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	w.messages = prune(w.messages, now.Add(-MessageWindow))

	if n := len(w.messages); n > 0 {
		if gap := now.Sub(w.messages[n-1]); gap < MessageMinGap {
			return Decision{
				Reason:     "you are sending messages too quickly",
				RetryAfter: MessageMinGap - gap,
			}
		}
	}
	if len(w.messages) >= MessageCap {
		return Decision{
			Reason:     fmt.Sprintf("message limit reached (%d per minute)", MessageCap),
			RetryAfter: w.messages[0].Add(MessageWindow).Sub(now),
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) RecordMessage(actorID string) {
	now := l.now()
	w := l.get(actorID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	w.messages = append(prune(w.messages, now.Add(-MessageWindow)), now)
}

func (l *Limiter) CheckConversation(actorID string) Decision {
	now := l.now()
	w := l.get(actorID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	w.conversations = prune(w.conversations, now.Add(-ConversationWindow))

	if len(w.conversations) >= ConversationCap {
		retry := w.conversations[0].Add(ConversationWindow).Sub(now)
		minutes := int(retry.Minutes())
		if retry > time.Duration(minutes)*time.Minute {
			minutes++
		}
		return Decision{
			Reason:     fmt.Sprintf("too many new conversations, try again in %d minutes", minutes),
			RetryAfter: retry,
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) RecordConversation(actorID string) {
	now := l.now()
	w := l.get(actorID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	w.conversations = append(prune(w.conversations, now.Add(-ConversationWindow)), now)
}

func (l *Limiter) janitor() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			cutoff := l.now().Add(-idleEviction)
			l.actors.Range(func(k, v interface{}) bool {
				w := v.(*actorWindows)
				w.mu.Lock()
				idle := w.lastSeen.Before(cutoff)
				w.mu.Unlock()
				if idle {
					l.actors.Delete(k)
				}
				return true
			})
		}
	}
}
