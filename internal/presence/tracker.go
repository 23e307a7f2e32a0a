// Package presence derives online/away/offline from session activity.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/session"
)

// SessionSource is the read side of the session registry.
type SessionSource interface {
	SessionsFor(userID int64) []models.Session
	Users() []int64
	Now() time.Time
}

const subscriberBuffer = 64

// Tracker computes presence on demand and notifies subscribers once per
// transition. It keeps only the last announced status per user.
type Tracker struct {
	sessions  SessionSource
	awayAfter time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	announced map[int64]models.PresenceStatus

	subsMu sync.RWMutex
	subs   map[int]chan models.PresenceChange
	nextID int
}

// NewTracker builds a tracker. Sessions without activity for awayAfter count as away.
func NewTracker(sessions SessionSource, awayAfter time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sessions:  sessions,
		awayAfter: awayAfter,
		logger:    logger,
		announced: make(map[int64]models.PresenceStatus),
		subs:      make(map[int]chan models.PresenceChange),
	}
}

// Status derives the current presence of a user.
func (t *Tracker) Status(userID int64) models.PresenceStatus {
	return derive(t.sessions.SessionsFor(userID), t.sessions.Now(), t.awayAfter)
}

func derive(sessions []models.Session, now time.Time, awayAfter time.Duration) models.PresenceStatus {
	if len(sessions) == 0 {
		return models.PresenceOffline
	}
	cutoff := now.Add(-awayAfter)
	if lo.SomeBy(sessions, func(s models.Session) bool { return !s.LastActivity.Before(cutoff) }) {
		return models.PresenceOnline
	}
	return models.PresenceAway
}

// HandleSessionEvent is registered as a session registry listener.
func (t *Tracker) HandleSessionEvent(e session.Event) {
	t.Evaluate(e.Session.UserID)
}

// Evaluate recomputes a user's status and announces it if it changed.
func (t *Tracker) Evaluate(userID int64) {
	t.mu.Lock()
	status := t.Status(userID)
	previous, ok := t.announced[userID]
	if !ok {
		previous = models.PresenceOffline
	}
	if status == previous {
		t.mu.Unlock()
		return
	}
	if status == models.PresenceOffline {
		delete(t.announced, userID)
	} else {
		t.announced[userID] = status
	}
	change := models.PresenceChange{UserID: userID, Previous: previous, Status: status, ChangedAt: t.sessions.Now()}
	t.broadcast(change)
	t.mu.Unlock()

	observability.IncPresenceTransition(string(status))
	t.logger.Debug().Int64("user_id", userID).Str("from", string(previous)).Str("to", string(status)).Msg("presence changed")
	_ = observability.PublishEvent(context.Background(), observability.RoutingPresenceEvents, observability.EventEnvelope{
		EventType: "presence_events",
		EventName: "presence_changed",
		Payload:   change,
	})
}

// broadcast never blocks; slow subscribers miss the event and can poll Status.
func (t *Tracker) broadcast(change models.PresenceChange) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()
	for id, ch := range t.subs {
		select {
		case ch <- change:
		default:
			t.logger.Warn().Int("subscriber", id).Int64("user_id", change.UserID).Msg("presence subscriber full, dropping event")
		}
	}
}

// Subscribe returns a channel of presence changes, closed when ctx ends.
func (t *Tracker) Subscribe(ctx context.Context) <-chan models.PresenceChange {
	ch := make(chan models.PresenceChange, subscriberBuffer)

	t.subsMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		t.subsMu.Lock()
		delete(t.subs, id)
		close(ch)
		t.subsMu.Unlock()
	}()
	return ch
}

// Run re-evaluates every known user on each tick so idle sessions turn away
// without any event.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.EvaluateAll()
		}
	}
}

// EvaluateAll re-evaluates users with sessions or a non-offline announcement.
func (t *Tracker) EvaluateAll() {
	t.mu.Lock()
	known := lo.Keys(t.announced)
	t.mu.Unlock()
	for _, userID := range lo.Uniq(append(known, t.sessions.Users()...)) {
		t.Evaluate(userID)
	}
}
