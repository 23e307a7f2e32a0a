// Package delivery fans committed messages out to every target session, keeps
// a durable backlog per user and tracks per-session acknowledgments.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"comm-server/internal/apperrors"
	"comm-server/internal/directory"
	"comm-server/internal/models"
	"comm-server/internal/observability"
	"comm-server/internal/repositories"
	"comm-server/internal/session"
)

var tracer = otel.Tracer("comm-server/delivery")

const (
	routeTimeout = 10 * time.Second
	replayBatch  = 200
)

// Config tunes retries and fan-out.
type Config struct {
	MaxAttempts     int
	AckTimeout      time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DeliverToSender bool
}

// Sessions is the part of the session registry the router depends on.
type Sessions interface {
	Get(sessionID string) (models.Session, bool)
	Attachment(sessionID string) (session.Conn, context.Context, bool)
	AdvanceCursor(sessionID string, conv models.ConversationID, seq int64) error
	Disconnect(sessionID, reason string) bool
	Now() time.Time
}

// MessageStore is the part of the message log the router reads. Routing of a
// committed message is confirmed with MarkRouted once its backlog entries are
// written; anything unconfirmed is picked up again by Replay.
type MessageStore interface {
	Get(ctx context.Context, messageID string) (models.Message, error)
	Unrouted(ctx context.Context, before time.Time, limit int) ([]models.Message, error)
	MarkRouted(ctx context.Context, msg models.Message) error
}

// DeliveryOutcome summarizes one Route call.
type DeliveryOutcome struct {
	MessageID   string `json:"message_id"`
	TargetUsers int    `json:"target_users"`
	Backlogged  int    `json:"backlogged"`
	Queued      int    `json:"queued"`
	Failed      int    `json:"failed"`
}

type RouteOption func(*routeOptions)

type routeOptions struct {
	originSessionID string
	targets         []int64
	backlogOnly     bool
}

// ExcludeSession keeps the message away from the session that sent it.
func ExcludeSession(sessionID string) RouteOption {
	return func(o *routeOptions) { o.originSessionID = sessionID }
}

// withTargets skips target resolution.
func withTargets(users []int64) RouteOption {
	return func(o *routeOptions) { o.targets = users }
}

// backlogOnly writes backlog entries without queueing on live sessions.
func backlogOnly() RouteOption {
	return func(o *routeOptions) { o.backlogOnly = true }
}

type pending struct {
	msg     models.Message
	origin  string
	targets []int64
}

// Router delivers messages at least once to every attached session of every
// target user.
type Router struct {
	cfg      Config
	dir      directory.Reader
	sessions Sessions
	messages MessageStore
	backlog  repositories.BacklogRepository
	receipts repositories.ReceiptRepository
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	userLocks keyedMutex

	mu       sync.RWMutex
	outboxes map[string]*outbox
	byUser   map[int64]map[string]*outbox

	queueMu sync.Mutex
	queues  map[models.ConversationID][]pending
}

// NewRouter builds a Router. Call Close on shutdown.
func NewRouter(cfg Config, dir directory.Reader, sessions Sessions, messages MessageStore,
	backlog repositories.BacklogRepository, receipts repositories.ReceiptRepository, logger zerolog.Logger) *Router {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:       cfg,
		dir:       dir,
		sessions:  sessions,
		messages:  messages,
		backlog:   backlog,
		receipts:  receipts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		userLocks: keyedMutex{locks: make(map[int64]*refMutex)},
		outboxes:  make(map[string]*outbox),
		byUser:    make(map[int64]map[string]*outbox),
		queues:    make(map[models.ConversationID][]pending),
	}
}

// Close stops session pumps and routing retries. Messages still queued get
// one last routing attempt; whatever stays unconfirmed is replayed on the
// next start.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Enqueue hands a committed message to its conversation's drain. Targets are
// resolved here so group fan-out follows membership at send time; if the
// directory is unavailable they are resolved later by the drain. Messages of
// one conversation are routed one at a time in the order they were enqueued.
func (r *Router) Enqueue(msg models.Message, originSessionID string) {
	if r.ctx.Err() != nil {
		return
	}
	targets, err := r.targets(r.ctx, msg)
	if err != nil {
		r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("target resolution deferred")
		targets = nil
	}

	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	queue, running := r.queues[msg.ConversationID]
	r.queues[msg.ConversationID] = append(queue, pending{msg: msg, origin: originSessionID, targets: targets})
	if running {
		return
	}
	r.wg.Add(1)
	go r.drain(msg.ConversationID)
}

func (r *Router) drain(conv models.ConversationID) {
	defer r.wg.Done()
	for {
		r.queueMu.Lock()
		queue := r.queues[conv]
		if len(queue) == 0 {
			delete(r.queues, conv)
			r.queueMu.Unlock()
			return
		}
		next := queue[0]
		r.queues[conv] = queue[1:]
		r.queueMu.Unlock()

		r.routeWithRetry(next)
	}
}

// routeWithRetry retries target resolution while the directory is unavailable.
func (r *Router) routeWithRetry(p pending) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBaseDelay
	b.MaxInterval = r.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0

	// Route runs on its own context so a closing router still gets one
	// attempt per queued message; only the waits between retries stop.
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
		defer cancel()
		opts := []RouteOption{ExcludeSession(p.origin)}
		if p.targets != nil {
			opts = append(opts, withTargets(p.targets))
		}
		_, err := r.Route(ctx, p.msg, opts...)
		if err != nil && !apperrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		r.logger.Warn().Err(err).Str("message_id", p.msg.ID).Dur("retry_in", d).Msg("route failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, r.ctx), notify); err != nil {
		r.logger.Warn().Err(err).Str("message_id", p.msg.ID).Msg("message left for replay")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()
	if err := r.messages.MarkRouted(ctx, p.msg); err != nil {
		r.logger.Warn().Err(err).Str("message_id", p.msg.ID).Msg("routing not confirmed")
	}
}

// Replay routes messages committed before the cutoff whose routing was never
// confirmed, such as those queued when the process died. Replayed messages
// only go to backlogs; live sessions see them on their next catch-up. It
// returns the number of messages confirmed.
func (r *Router) Replay(ctx context.Context, before time.Time) (int, error) {
	routed := 0
	for {
		msgs, err := r.messages.Unrouted(ctx, before, replayBatch)
		if err != nil {
			return routed, err
		}
		failed := 0
		for _, msg := range msgs {
			_, err := r.Route(ctx, msg, backlogOnly())
			switch {
			case err == nil:
			case errors.Is(err, apperrors.ErrNotFound):
				r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("replayed message has no target left")
			default:
				failed++
				r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("replay failed")
				continue
			}
			if err := r.messages.MarkRouted(ctx, msg); err != nil {
				return routed, err
			}
			routed++
		}
		if len(msgs) < replayBatch || failed > 0 {
			return routed, nil
		}
	}
}

// RunReplay replays unconfirmed messages older than grace on every tick.
func (r *Router) RunReplay(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Replay(ctx, r.sessions.Now().Add(-grace))
			if err != nil {
				r.logger.Warn().Err(err).Msg("replay stopped")
			} else if n > 0 {
				r.logger.Info().Int("replayed", n).Msg("unrouted messages replayed")
			}
		}
	}
}

// Route resolves the targets of msg and queues it for each of them: first in
// the user's backlog, then on every attached session.
func (r *Router) Route(ctx context.Context, msg models.Message, opts ...RouteOption) (DeliveryOutcome, error) {
	ctx, span := tracer.Start(ctx, "delivery.route")
	defer span.End()
	span.SetAttributes(attribute.String("message_id", msg.ID), attribute.String("conversation_id", string(msg.ConversationID)))

	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}
	outcome := DeliveryOutcome{MessageID: msg.ID}

	targets := o.targets
	if targets == nil {
		var err error
		if targets, err = r.targets(ctx, msg); err != nil {
			span.RecordError(err)
			return outcome, err
		}
	}
	outcome.TargetUsers = len(targets)

	var pushErr error
	for _, userID := range targets {
		isSender := userID == msg.SenderID
		unlock := r.userLocks.lock(userID)
		if !isSender {
			if err := r.backlog.Push(ctx, userID, msg); err != nil {
				outcome.Failed++
				pushErr = err
				r.logger.Error().Err(err).Int64("user_id", userID).Str("message_id", msg.ID).Msg("backlog push failed")
			} else {
				outcome.Backlogged++
			}
		}
		if o.backlogOnly {
			unlock()
			continue
		}
		for _, box := range r.attached(userID) {
			if box.sessionID == o.originSessionID {
				continue
			}
			if box.enqueue(msg) {
				outcome.Queued++
			}
		}
		unlock()
	}
	span.SetAttributes(attribute.Int("queued", outcome.Queued))
	if pushErr != nil {
		// the drain retries; pushes and enqueues are idempotent per message
		return outcome, pushErr
	}
	return outcome, nil
}

// targets returns recipients at send time. The sender is included only for
// fan-out to their other devices.
func (r *Router) targets(ctx context.Context, msg models.Message) ([]int64, error) {
	var users []int64
	if msg.GroupID != 0 {
		members, err := r.dir.MembersOf(ctx, msg.GroupID)
		if err != nil {
			return nil, err
		}
		users = members
	} else {
		users = []int64{msg.RecipientID}
	}
	if r.cfg.DeliverToSender {
		users = append(users, msg.SenderID)
	}
	users = lo.Uniq(users)
	if !r.cfg.DeliverToSender {
		users = lo.Without(users, msg.SenderID)
	}
	return users, nil
}

func (r *Router) attached(userID int64) []*outbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byUser[userID])
}

// Attach makes a connected session visible to routing. Its backlog is queued
// first, under the same user lock Route takes, so nothing committed meanwhile
// is lost or duplicated.
func (r *Router) Attach(ctx context.Context, sessionID string) (int, error) {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return 0, apperrors.NotFound("session %s", sessionID)
	}
	conn, sessionCtx, ok := r.sessions.Attachment(sessionID)
	if !ok {
		return 0, apperrors.NotFound("session %s", sessionID)
	}

	unlock := r.userLocks.lock(s.UserID)
	defer unlock()

	backlog, err := r.backlog.List(ctx, s.UserID)
	if err != nil {
		return 0, err
	}
	catchupOrder(backlog)
	box := newOutbox(r, sessionID, s.UserID, conn, sessionCtx)
	for _, msg := range backlog {
		if msg.Seq > s.Cursors[msg.ConversationID] {
			box.enqueue(msg)
		}
	}

	r.mu.Lock()
	if _, exists := r.outboxes[sessionID]; exists {
		r.mu.Unlock()
		return 0, apperrors.Conflict("session %s already attached", sessionID)
	}
	r.outboxes[sessionID] = box
	if _, ok := r.byUser[s.UserID]; !ok {
		r.byUser[s.UserID] = make(map[string]*outbox)
	}
	r.byUser[s.UserID][sessionID] = box
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		box.run()
		r.detach(sessionID)
	}()

	observability.ObserveCatchup(len(backlog))
	r.logger.Debug().Str("session_id", sessionID).Int("catchup", len(backlog)).Msg("session attached")
	return len(backlog), nil
}

// catchupOrder sorts by seq within each conversation and keeps conversations
// in the order they first appear. Replayed entries can land in a backlog after
// later messages of their conversation.
func catchupOrder(msgs []models.Message) {
	first := make(map[models.ConversationID]int, len(msgs))
	for i, msg := range msgs {
		if _, ok := first[msg.ConversationID]; !ok {
			first[msg.ConversationID] = i
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		fi, fj := first[msgs[i].ConversationID], first[msgs[j].ConversationID]
		if fi != fj {
			return fi < fj
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

// HandleSessionEvent is registered as a session registry listener.
func (r *Router) HandleSessionEvent(e session.Event) {
	if e.Kind == session.EventDisconnected {
		r.detach(e.Session.ID)
	}
}

// detach hides a session from routing. Its undelivered messages stay in the
// user's backlog.
func (r *Router) detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.outboxes[sessionID]
	if !ok {
		return
	}
	delete(r.outboxes, sessionID)
	if boxes, ok := r.byUser[box.userID]; ok {
		delete(boxes, sessionID)
		if len(boxes) == 0 {
			delete(r.byUser, box.userID)
		}
	}
}

// Ack records that a session processed a message. It trims the user's
// backlog, stamps the receipt and advances the session cursor. Repeated acks
// are harmless.
func (r *Router) Ack(ctx context.Context, sessionID, messageID string) error {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return apperrors.NotFound("session %s", sessionID)
	}

	var msg models.Message
	found := false
	r.mu.RLock()
	box := r.outboxes[sessionID]
	r.mu.RUnlock()
	if box != nil {
		msg, found = box.ack(messageID)
	}
	if !found {
		var err error
		if msg, err = r.messages.Get(ctx, messageID); err != nil {
			return err
		}
		if err := r.checkAddressee(ctx, s.UserID, msg); err != nil {
			return err
		}
	}

	unlock := r.userLocks.lock(s.UserID)
	err := r.backlog.Remove(ctx, s.UserID, messageID)
	unlock()
	if err != nil {
		return err
	}
	if err := r.receipts.MarkAcked(ctx, messageID, sessionID, s.UserID, r.sessions.Now()); err != nil {
		r.logger.Warn().Err(err).Str("message_id", messageID).Msg("receipt ack failed")
	}
	if err := r.sessions.AdvanceCursor(sessionID, msg.ConversationID, msg.Seq); err != nil {
		return err
	}
	observability.IncDelivery("acked")
	return nil
}

// checkAddressee allows acks from DM participants and current group members.
// Messages found in a session's outbox were addressed to it already.
func (r *Router) checkAddressee(ctx context.Context, userID int64, msg models.Message) error {
	if msg.GroupID == 0 {
		if msg.RecipientID != userID && msg.SenderID != userID {
			return apperrors.Forbidden("message %s is not addressed to user %d", msg.ID, userID)
		}
		return nil
	}
	member, err := r.dir.IsMember(ctx, userID, msg.GroupID)
	if err != nil {
		return err
	}
	if !member {
		return apperrors.Forbidden("message %s is not addressed to user %d", msg.ID, userID)
	}
	return nil
}

// Pending reports queued and unacknowledged counts of an attached session.
func (r *Router) Pending(sessionID string) (queued, unacked int, ok bool) {
	r.mu.RLock()
	box := r.outboxes[sessionID]
	r.mu.RUnlock()
	if box == nil {
		return 0, 0, false
	}
	queued, unacked = box.pending()
	return queued, unacked, true
}

// Signal sends a typing indicator to the other participants of conv. Best
// effort: nothing is stored or retried.
func (r *Router) Signal(ctx context.Context, conv models.ConversationID, fromUserID int64) error {
	ref, err := models.ParseConversation(string(conv))
	if err != nil {
		return apperrors.NotFound("conversation %s", conv)
	}
	var users []int64
	if ref.IsGroup() {
		member, err := r.dir.IsMember(ctx, fromUserID, ref.GroupID)
		if err != nil {
			return err
		}
		if !member {
			return apperrors.Forbidden("not a member of group %d", ref.GroupID)
		}
		if users, err = r.dir.MembersOf(ctx, ref.GroupID); err != nil {
			return err
		}
	} else {
		if !ref.Includes(fromUserID) {
			return apperrors.Forbidden("not a participant of %s", conv)
		}
		users = []int64{ref.UserA, ref.UserB}
	}

	payload, err := json.Marshal(models.Frame{Type: models.FrameTyping, ConversationID: conv, UserID: fromUserID})
	if err != nil {
		return err
	}
	r.signal(lo.Without(users, fromUserID), payload)
	return nil
}

// NotifyPresence pushes a presence change to the user's contacts.
func (r *Router) NotifyPresence(ctx context.Context, change models.PresenceChange) error {
	contacts, err := directory.Contacts(ctx, r.dir, change.UserID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(models.Frame{Type: models.FramePresence, Presence: &change, UserID: change.UserID})
	if err != nil {
		return err
	}
	r.signal(contacts, payload)
	return nil
}

// RunPresence forwards presence changes until the channel closes.
func (r *Router) RunPresence(ctx context.Context, changes <-chan models.PresenceChange) {
	for change := range changes {
		if err := r.NotifyPresence(ctx, change); err != nil {
			r.logger.Warn().Err(err).Int64("user_id", change.UserID).Msg("presence fan-out failed")
		}
	}
}

func (r *Router) signal(users []int64, payload []byte) {
	for _, userID := range users {
		for _, box := range r.attached(userID) {
			box.signal(payload)
		}
	}
}

func (r *Router) pushBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBaseDelay
	b.MaxInterval = r.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
}

// ackDelay doubles the ack timeout on every redelivery round, capped at the
// larger of the ack timeout and the retry ceiling.
func (r *Router) ackDelay(round int) time.Duration {
	limit := r.cfg.RetryMaxDelay
	if limit < r.cfg.AckTimeout {
		limit = r.cfg.AckTimeout
	}
	d := r.cfg.AckTimeout
	for i := 1; i < round && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (r *Router) recordAttempt(ctx context.Context, messageID, sessionID string, userID int64) {
	err := r.receipts.RecordAttempt(ctx, models.DeliveryReceipt{
		MessageID:   messageID,
		SessionID:   sessionID,
		UserID:      userID,
		AttemptedAt: r.sessions.Now(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("message_id", messageID).Msg("receipt attempt failed")
	}
}

func (r *Router) markDelivered(ctx context.Context, messageID, sessionID string) {
	if err := r.receipts.MarkDelivered(ctx, messageID, sessionID, r.sessions.Now()); err != nil {
		r.logger.Warn().Err(err).Str("message_id", messageID).Msg("receipt delivered failed")
	}
}

// Receipts lists the per-session receipts of a message.
func (r *Router) Receipts(ctx context.Context, messageID string) ([]models.DeliveryReceipt, error) {
	return r.receipts.ListForMessage(ctx, messageID)
}

// keyedMutex serializes work per user. An entry lives only while someone
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
