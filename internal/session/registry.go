// Package session tracks live client connections. The registry is the only
// owner of session state; everyone else gets snapshots or ids.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
	"comm-server/internal/observability"
)

// Conn is the transport primitive behind a session.
type Conn interface {
	Push(ctx context.Context, payload []byte) error
	Close() error
}

// Meta describes how a session connected.
type Meta struct {
	Transport string
	DeviceID  string
	IP        string
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventHeartbeat    EventKind = "heartbeat"
	EventDisconnected EventKind = "disconnected"
)

// Disconnect reasons used by the server itself.
const (
	ReasonClientClosed = "client_closed"
	ReasonTimeout      = "timeout"
	ReasonPushFailed   = "push_failed"
	ReasonShutdown     = "shutdown"
)

// Event is delivered to listeners after the registry lock is released.
type Event struct {
	Kind    EventKind
	Session models.Session
	Reason  string
	At      time.Time
}

type Listener func(Event)

type entry struct {
	session models.Session
	conn    Conn
	ip      string
	ctx     context.Context
	cancel  context.CancelFunc
}

func (e *entry) snapshot() models.Session {
	s := e.session
	s.Cursors = make(map[models.ConversationID]int64, len(e.session.Cursors))
	for conv, seq := range e.session.Cursors {
		s.Cursors[conv] = seq
	}
	return s
}

// Registry holds every live session keyed by id and by user.
type Registry struct {
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu        sync.RWMutex
	sessions  map[string]*entry
	byUser    map[int64]map[string]struct{}
	listeners []Listener
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds an empty registry. Sessions idle for longer than timeout
// are removed by Sweep.
func NewRegistry(timeout time.Duration, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
		sessions: make(map[string]*entry),
		byUser:   make(map[int64]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers l for every lifecycle event. Listeners run on the
// caller's goroutine and must not block.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Connect registers a new session for an authenticated user.
func (r *Registry) Connect(userID int64, conn Conn, meta Meta) models.Session {
	now := r.now()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		session: models.Session{
			ID:           uuid.NewString(),
			UserID:       userID,
			Transport:    meta.Transport,
			DeviceID:     meta.DeviceID,
			ConnectedAt:  now,
			LastActivity: now,
			Cursors:      map[models.ConversationID]int64{},
		},
		conn:   conn,
		ip:     meta.IP,
		ctx:    ctx,
		cancel: cancel,
	}

	r.mu.Lock()
	r.sessions[e.session.ID] = e
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][e.session.ID] = struct{}{}
	snapshot := e.snapshot()
	listeners := r.listeners
	r.mu.Unlock()

	observability.IncSessionsActive(meta.Transport)
	observability.IncSessionEvent(meta.Transport, "connect")
	r.publish(snapshot, "session_connect", "", e.ip)
	r.logger.Info().Str("session_id", snapshot.ID).Int64("user_id", userID).Str("transport", meta.Transport).Msg("session connected")
	r.emit(listeners, Event{Kind: EventConnected, Session: snapshot, At: now})
	return snapshot
}

// Disconnect removes a session, cancels its context and closes its
// connection. Returns false if it was already gone.
func (r *Registry) Disconnect(sessionID, reason string) bool {
	return r.disconnect(sessionID, reason, nil)
}

// disconnect removes the session if present and, when stillExpired is set,
// only if it still holds.
func (r *Registry) disconnect(sessionID, reason string, stillExpired func(*entry) bool) bool {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || (stillExpired != nil && !stillExpired(e)) {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(e)
	snapshot := e.snapshot()
	listeners := r.listeners
	r.mu.Unlock()

	e.cancel()
	if e.conn != nil {
		_ = e.conn.Close()
	}

	observability.DecSessionsActive(snapshot.Transport)
	observability.IncSessionEvent(snapshot.Transport, "disconnect")
	r.publish(snapshot, "session_disconnect", reason, e.ip)
	r.logger.Info().Str("session_id", sessionID).Int64("user_id", snapshot.UserID).Str("reason", reason).Msg("session disconnected")
	r.emit(listeners, Event{Kind: EventDisconnected, Session: snapshot, Reason: reason, At: r.now()})
	return true
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.sessions, e.session.ID)
	if ids, ok := r.byUser[e.session.UserID]; ok {
		delete(ids, e.session.ID)
		if len(ids) == 0 {
			delete(r.byUser, e.session.UserID)
		}
	}
}

// Heartbeat records client activity.
func (r *Registry) Heartbeat(sessionID string) error {
	now := r.now()
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("session %s", sessionID)
	}
	if now.After(e.session.LastActivity) {
		e.session.LastActivity = now
	}
	snapshot := e.snapshot()
	listeners := r.listeners
	r.mu.Unlock()

	r.emit(listeners, Event{Kind: EventHeartbeat, Session: snapshot, At: now})
	return nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	return e.snapshot(), true
}

// SessionsFor returns snapshots of a user's sessions, oldest first.
func (r *Registry) SessionsFor(userID int64) []models.Session {
	r.mu.RLock()
	sessions := make([]models.Session, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		sessions = append(sessions, r.sessions[id].snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// All returns snapshots of every live session.
func (r *Registry) All() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]models.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.snapshot())
	}
	return sessions
}

// Users returns the ids of users with at least one session.
func (r *Registry) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]int64, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// AdvanceCursor moves the delivery cursor of conv forward. Lower values are ignored.
func (r *Registry) AdvanceCursor(sessionID string, conv models.ConversationID, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session %s", sessionID)
	}
	if seq > e.session.Cursors[conv] {
		e.session.Cursors[conv] = seq
	}
	return nil
}

// Attachment exposes the connection and lifetime context of a live session.
func (r *Registry) Attachment(sessionID string) (Conn, context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	return e.conn, e.ctx, true
}

// Sweep disconnects every session idle since before now minus the timeout.
func (r *Registry) Sweep(now time.Time) []string {
	cutoff := now.Add(-r.timeout)
	r.mu.RLock()
	var expired []string
	for id, e := range r.sessions {
		if e.session.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	removed := expired[:0]
	for _, id := range expired {
		if r.disconnect(id, ReasonTimeout, func(e *entry) bool { return e.session.LastActivity.Before(cutoff) }) {
			removed = append(removed, id)
		}
	}
	return removed
}

// RunSweeper sweeps on every tick until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := r.Sweep(r.now()); len(expired) > 0 {
				r.logger.Info().Int("expired", len(expired)).Msg("idle sessions swept")
			}
		}
	}
}

// DisconnectAll closes every session, used on shutdown.
func (r *Registry) DisconnectAll(reason string) {
	for _, s := range r.All() {
		r.Disconnect(s.ID, reason)
	}
}

func (r *Registry) emit(listeners []Listener, event Event) {
	for _, l := range listeners {
		l(event)
	}
}

func (r *Registry) publish(s models.Session, name, reason, ip string) {
	_ = observability.PublishEvent(context.Background(), observability.RoutingSessionEvents, observability.EventEnvelope{
		EventType: "session_events",
		EventName: name,
		Payload: map[string]interface{}{
			"session": map[string]interface{}{
				"session_id":  s.ID,
				"transport":   s.Transport,
				"duration_ms": r.now().Sub(s.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   s.UserID,
				"device_id": s.DeviceID,
				"ip":        ip,
			},
		},
	})
}
