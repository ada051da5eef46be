package typing

import (
	"context"
	"sync"
	"time"
)

const (
	// BroadcastThrottle is the minimum interval between an actor's own
	// typing broadcasts per conversation.
	BroadcastThrottle = 2000 * time.Millisecond
	// PeerExpiry removes a peer from the typing set after this much silence.
	PeerExpiry = 3000 * time.Millisecond
)

// Signaler throttles outbound typing broadcasts. The throttle is scoped per
// conversation and per actor, so one Signaler may be shared across sessions.
type Signaler struct {
	b   Broadcaster
	now func() time.Time

	// lastSent is keyed by conversation+actor so one party's broadcast
	// never throttles the counterpart's.
	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewSignaler(b Broadcaster) *Signaler {
	return &Signaler{b: b, now: time.Now, lastSent: make(map[string]time.Time)}
}

// InputChanged reports a keystroke in the composer. Empty input broadcasts
// nothing; non-empty input broadcasts at most once per throttle interval.
func (s *Signaler) InputChanged(ctx context.Context, conversationID, actorID, displayName, text string) error {
	if text == "" {
		return nil
	}
	now := s.now()
	key := conversationID + "|" + actorID
	s.mu.Lock()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < BroadcastThrottle {
		s.mu.Unlock()
		return nil
	}
	s.lastSent[key] = now
	s.mu.Unlock()

	return s.b.Publish(ctx, Event{
		ConversationID: conversationID,
		ActorID:        actorID,
		DisplayName:    displayName,
		SeenAt:         now,
	})
}

// Peer is a counterpart currently typing.
type Peer struct {
	ActorID     string `json:"actor_id"`
	DisplayName string `json:"display_name"`
}

// Watcher maintains the "currently typing" set for one viewer of one
// conversation. Each observed peer expires independently after PeerExpiry of
// silence; a fresh event resets that peer's timer.
type Watcher struct {
	selfID   string
	expiry   time.Duration
	onChange func([]Peer)

	mu     sync.Mutex
	peers  map[string]*peerEntry
	closed bool
}

type peerEntry struct {
	name  string
	timer *time.Timer
}

func NewWatcher(selfID string, onChange func([]Peer)) *Watcher {
	return NewWatcherWithExpiry(selfID, PeerExpiry, onChange)
}

func NewWatcherWithExpiry(selfID string, expiry time.Duration, onChange func([]Peer)) *Watcher {
	return &Watcher{
		selfID:   selfID,
		expiry:   expiry,
		onChange: onChange,
		peers:    make(map[string]*peerEntry),
	}
}

// Observe feeds a broadcast event into the typing set. Events from the viewer
// itself are ignored.
func (w *Watcher) Observe(ev Event) {
	if ev.ActorID == w.selfID {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	entry, ok := w.peers[ev.ActorID]
	if ok {
		entry.name = ev.DisplayName
		entry.timer.Reset(w.expiry)
		w.mu.Unlock()
		return
	}
	actorID := ev.ActorID
	entry = &peerEntry{name: ev.DisplayName}
	entry.timer = time.AfterFunc(w.expiry, func() { w.expire(actorID) })
	w.peers[actorID] = entry
	peers := w.snapshotLocked()
	w.mu.Unlock()
	w.notify(peers)
}

func (w *Watcher) expire(actorID string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, ok := w.peers[actorID]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.peers, actorID)
	peers := w.snapshotLocked()
	w.mu.Unlock()
	w.notify(peers)
}

// Typing returns the current set snapshot.
func (w *Watcher) Typing() []Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Close stops all expiry timers. The watcher emits nothing afterwards.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, entry := range w.peers {
		entry.timer.Stop()
		delete(w.peers, id)
	}
}

func (w *Watcher) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(w.peers))
	for id, entry := range w.peers {
		out = append(out, Peer{ActorID: id, DisplayName: entry.name})
	}
	return out
}

func (w *Watcher) notify(peers []Peer) {
	if w.onChange != nil {
		w.onChange(peers)
	}
}
