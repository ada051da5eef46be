package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// OnlineThreshold is how fresh a last-active timestamp must be for the
	// actor to count as online.
	OnlineThreshold = 3 * time.Minute

	DefaultHeartbeatEvery = 60 * time.Second
	DefaultPollEvery      = 10 * time.Second
)

// Status is what a counterpart's viewer renders. LastSeen is zero when the
// actor has never been seen.
type Status struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// StatusAt derives online/offline from a last-active timestamp. Online means
// strictly fresher than the threshold.
func StatusAt(lastActive, now time.Time) Status {
	if lastActive.IsZero() {
		return Status{}
	}
	return Status{
		Online:   now.Sub(lastActive) < OnlineThreshold,
		LastSeen: lastActive,
	}
}

// Tracker runs the two presence loops: the self heartbeat that refreshes our
// own record, and the counterpart poll that derives Status for display. Both
// stop when their context is cancelled.
type Tracker struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	HeartbeatEvery time.Duration
	PollEvery      time.Duration
}

func NewTracker(store Store, log *zap.Logger) *Tracker {
	return &Tracker{
		store:          store,
		log:            log,
		now:            time.Now,
		HeartbeatEvery: DefaultHeartbeatEvery,
		PollEvery:      DefaultPollEvery,
	}
}

// Heartbeat refreshes selfID's last-active record immediately and then on
// every tick until ctx is cancelled. Write failures are logged and retried on
// the next tick.
func (t *Tracker) Heartbeat(ctx context.Context, selfID string) {
	touch := func() {
		if err := t.store.Touch(ctx, selfID, t.now()); err != nil && ctx.Err() == nil {
			t.log.Warn("presence heartbeat failed", zap.String("actor", selfID), zap.Error(err))
		}
	}
	touch()
	tick := time.NewTicker(t.HeartbeatEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			touch()
		}
	}
}

// Watch polls counterpartID's record and emits a Status immediately and then
// on every tick. A read failure degrades to offline rather than erroring the
// viewer. The channel closes when ctx is cancelled.
func (t *Tracker) Watch(ctx context.Context, counterpartID string) <-chan Status {
	out := make(chan Status, 1)
	go func() {
		defer close(out)
		emit := func() {
			st := t.read(ctx, counterpartID)
			select {
			case out <- st:
			default:
				// viewer is behind; drop the stale status
				select {
				case <-out:
				default:
				}
				out <- st
			}
		}
		emit()
		tick := time.NewTicker(t.PollEvery)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				emit()
			}
		}
	}()
	return out
}

func (t *Tracker) read(ctx context.Context, counterpartID string) Status {
	lastActive, err := t.store.LastActive(ctx, counterpartID)
	if err != nil {
		if err != ErrNoRecord && ctx.Err() == nil {
			t.log.Warn("presence read failed", zap.String("actor", counterpartID), zap.Error(err))
		}
		return Status{}
	}
	return StatusAt(lastActive, t.now())
}
