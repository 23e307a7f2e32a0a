package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/session"
)

type inflight struct {
	msg      models.Message
	attempts int
	due      time.Time
}

// before orders redeliveries by conversation, then seq.
func (e *inflight) before(other *inflight) bool {
	if e.msg.ConversationID != other.msg.ConversationID {
		return e.msg.ConversationID < other.msg.ConversationID
	}
	return e.msg.Seq < other.msg.Seq
}

// outbox is the per-session delivery queue. A single pump goroutine writes to
// the connection, so first pushes leave in the order they were queued.
type outbox struct {
	sessionID string
	userID    int64
	conn      session.Conn
	ctx       context.Context
	router    *Router
	logger    zerolog.Logger

	mu       sync.Mutex
	signals  [][]byte
	queue    []models.Message
	inflight map[string]*inflight
	known    map[string]struct{}

	wake chan struct{}
	done chan struct{}
}

func newOutbox(r *Router, sessionID string, userID int64, conn session.Conn, ctx context.Context) *outbox {
	return &outbox{
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		ctx:       ctx,
		router:    r,
		logger:    r.logger.With().Str("session_id", sessionID).Logger(),
		inflight:  make(map[string]*inflight),
		known:     make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (o *outbox) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// enqueue adds msg unless it is already queued or awaiting an ack.
func (o *outbox) enqueue(msg models.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.known[msg.ID]; ok {
		return false
	}
	o.known[msg.ID] = struct{}{}
	o.queue = append(o.queue, msg)
	o.notify()
	return true
}

// signal queues an ephemeral frame: pushed once, never retried or acked.
func (o *outbox) signal(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signals = append(o.signals, payload)
	o.notify()
}

// ack forgets a message and returns it if it was still tracked.
func (o *outbox) ack(messageID string) (models.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.known[messageID]; !ok {
		return models.Message{}, false
	}
	delete(o.known, messageID)
	if entry, ok := o.inflight[messageID]; ok {
		delete(o.inflight, messageID)
		return entry.msg, true
	}
	for i, msg := range o.queue {
		if msg.ID == messageID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return msg, true
		}
	}
	return models.Message{}, false
}

// pending reports queued and unacknowledged message counts.
func (o *outbox) pending() (queued, unacked int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue), len(o.inflight)
}

type work struct {
	signal []byte
	msg    models.Message
	round  int
}

// next picks the next unit of work: signals, then first pushes, then the due
// redelivery with the lowest seq. Redeliveries past the attempt budget are
// dropped here; the user's backlog still holds them.
func (o *outbox) next(now time.Time) (work, time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.signals) > 0 {
		payload := o.signals[0]
		o.signals = o.signals[1:]
		return work{signal: payload}, 0, true
	}
	if len(o.queue) > 0 {
		msg := o.queue[0]
		o.queue = o.queue[1:]
		return work{msg: msg, round: 1}, 0, true
	}

	wait := time.Duration(-1)
	var due *inflight
	for id, entry := range o.inflight {
		if now.Before(entry.due) {
			if d := entry.due.Sub(now); wait < 0 || d < wait {
				wait = d
			}
			continue
		}
		if entry.attempts >= o.router.cfg.MaxAttempts {
			delete(o.inflight, id)
			delete(o.known, id)
			observability.IncDelivery("expired")
			o.logger.Debug().Str("message_id", id).Msg("unacknowledged message left in backlog")
			continue
		}
		if due == nil || entry.before(due) {
			due = entry
		}
	}
	if due != nil {
		return work{msg: due.msg, round: due.attempts + 1}, 0, true
	}
	return work{}, wait, false
}

func (o *outbox) run() {
	defer close(o.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if o.ctx.Err() != nil || o.router.ctx.Err() != nil {
			return
		}
		w, wait, ok := o.next(time.Now())
		if ok {
			if w.signal != nil {
				if err := o.conn.Push(o.ctx, w.signal); err != nil {
					o.logger.Debug().Err(err).Msg("ephemeral push failed")
				}
				continue
			}
			if err := o.deliver(w.msg, w.round); err != nil {
				if o.ctx.Err() == nil {
					observability.IncDelivery("exhausted")
					o.logger.Warn().Err(err).Str("message_id", w.msg.ID).Msg("push attempts exhausted, disconnecting session")
					o.router.sessions.Disconnect(o.sessionID, session.ReasonPushFailed)
				}
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait >= 0 {
			timer.Reset(wait)
		}
		select {
		case <-o.ctx.Done():
			return
		case <-o.router.ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}
	}
}

// deliver pushes msg, retrying failed writes with exponential backoff.
func (o *outbox) deliver(msg models.Message, round int) error {
	payload, err := json.Marshal(models.Frame{Type: models.FrameMessage, Message: &msg})
	if err != nil {
		return err
	}

	op := func() error {
		o.router.recordAttempt(o.ctx, msg.ID, o.sessionID, o.userID)
		return o.conn.Push(o.ctx, payload)
	}
	notify := func(err error, d time.Duration) {
		observability.IncDelivery("retried")
		o.logger.Debug().Err(err).Dur("retry_in", d).Str("message_id", msg.ID).Msg("push failed, retrying")
	}
	if err := backoff.RetryNotify(op, o.router.pushBackoff(o.ctx), notify); err != nil {
		return err
	}

	o.router.markDelivered(o.ctx, msg.ID, o.sessionID)
	if round == 1 {
		observability.IncDelivery("pushed")
	} else {
		observability.IncDelivery("redelivered")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.known[msg.ID]; !ok {
		// acked while the push was in flight
		return nil
	}
	o.inflight[msg.ID] = &inflight{msg: msg, attempts: round, due: time.Now().Add(o.router.ackDelay(round))}
	return nil
}
