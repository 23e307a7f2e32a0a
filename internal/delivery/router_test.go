package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comm-server/internal/apperrors"
	"comm-server/internal/messagelog"
	"comm-server/internal/models"
	"comm-server/internal/repositories"
	"comm-server/internal/session"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []models.Frame
	fail   atomic.Bool
	closed atomic.Bool
}

func (c *fakeConn) Push(ctx context.Context, payload []byte) error {
	if c.fail.Load() {
		return errors.New("write: broken pipe")
	}
	var frame models.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Message
	for _, f := range c.frames {
		if f.Type == models.FrameMessage {
			out = append(out, *f.Message)
		}
	}
	return out
}

func (c *fakeConn) framesOf(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == kind {
			n++
		}
	}
	return n
}

type harness struct {
	dir      *repositories.BadgerDirectoryRepo
	messages *repositories.BadgerMessageRepo
	log      *messagelog.Log
	registry *session.Registry
	backlog  repositories.BacklogRepository
	receipts *repositories.BadgerReceiptRepo
	router   *Router
}

func testConfig() Config {
	return Config{
		MaxAttempts:     3,
		AckTimeout:      time.Hour,
		RetryBaseDelay:  2 * time.Millisecond,
		RetryMaxDelay:   10 * time.Millisecond,
		DeliverToSender: true,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithBacklog(t, cfg, nil)
}

// newHarnessWithBacklog uses an in-memory Badger backlog when backlog is nil.
func newHarnessWithBacklog(t *testing.T, cfg Config, backlog repositories.BacklogRepository) *harness {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir, err := repositories.NewBadgerDirectoryRepo(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	if backlog == nil {
		backlog = repositories.NewBadgerBacklog(db)
	}
	logger := zerolog.Nop()
	messages := repositories.NewBadgerMessageRepo(db)
	h := &harness{
		dir:      dir,
		messages: messages,
		log:      messagelog.New(messages, dir, 4096, logger),
		registry: session.NewRegistry(time.Hour, logger),
		backlog:  backlog,
		receipts: repositories.NewBadgerReceiptRepo(db),
	}
	h.router = NewRouter(cfg, dir, h.registry, h.log, h.backlog, h.receipts, logger)
	h.log.OnCommit(h.router.Enqueue)
	h.registry.Subscribe(h.router.HandleSessionEvent)
	t.Cleanup(h.router.Close)
	return h
}

func (h *harness) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := h.dir.CreateUser(context.Background(), models.User{Username: name})
	require.NoError(t, err)
	return u.ID
}

func (h *harness) connect(t *testing.T, userID int64) (models.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := h.registry.Connect(userID, conn, session.Meta{Transport: "test"})
	_, err := h.router.Attach(context.Background(), s.ID)
	require.NoError(t, err)
	return s, conn
}

func (h *harness) send(t *testing.T, sub messagelog.Submission) models.Message {
	t.Helper()
	msg, err := h.log.Append(context.Background(), sub)
	require.NoError(t, err)
	return msg
}

func (h *harness) backlogLen(t *testing.T, userID int64) int {
	t.Helper()
	n, err := h.backlog.Len(context.Background(), userID)
	require.NoError(t, err)
	return n
}

// allRouted waits until every committed message has confirmed routing.
func (h *harness) allRouted(t *testing.T) {
	t.Helper()
	eventually(t, func() bool {
		pending, err := h.log.Unrouted(context.Background(), time.Now().Add(time.Hour), 1)
		return err == nil && len(pending) == 0
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestFanOutToEveryDeviceWithPerSessionReceipts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	var sessions []models.Session
	var conns []*fakeConn
	for i := 0; i < 3; i++ {
		s, c := h.connect(t, bob)
		sessions = append(sessions, s)
		conns = append(conns, c)
	}

	msg := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "hi"})
	for _, c := range conns {
		c := c
		eventually(t, func() bool { return len(c.messages()) == 1 })
		assert.Equal(t, msg.ID, c.messages()[0].ID)
	}
	assert.Equal(t, 1, h.backlogLen(t, bob))
	eventually(t, func() bool {
		receipts, err := h.router.Receipts(ctx, msg.ID)
		if err != nil || len(receipts) != 3 {
			return false
		}
		for _, r := range receipts {
			if r.DeliveredAt == nil {
				return false
			}
		}
		return true
	})

	for _, s := range sessions {
		require.NoError(t, h.router.Ack(ctx, s.ID, msg.ID))
	}
	assert.Equal(t, 0, h.backlogLen(t, bob))

	receipts, err := h.router.Receipts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	for _, r := range receipts {
		assert.NotNil(t, r.DeliveredAt)
		assert.NotNil(t, r.AckedAt)
	}

	got, ok := h.registry.Get(sessions[0].ID)
	require.True(t, ok)
	assert.Equal(t, msg.Seq, got.Cursors[msg.ConversationID])
}

func TestCatchUpAfterDisconnectBeforeAck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	s, conn := h.connect(t, bob)
	first := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "one"})
	eventually(t, func() bool { return len(conn.messages()) == 1 })
	h.registry.Disconnect(s.ID, session.ReasonClientClosed)

	second := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "two"})
	eventually(t, func() bool { return h.backlogLen(t, bob) == 2 })

	conn2 := &fakeConn{}
	s2 := h.registry.Connect(bob, conn2, session.Meta{Transport: "test"})
	n, err := h.router.Attach(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	eventually(t, func() bool { return len(conn2.messages()) == 2 })
	got := conn2.messages()
	assert.Equal(t, []string{first.ID, second.ID}, []string{got[0].ID, got[1].ID})

	require.NoError(t, h.router.Ack(ctx, s2.ID, first.ID))
	require.NoError(t, h.router.Ack(ctx, s2.ID, second.ID))
	assert.Equal(t, 0, h.backlogLen(t, bob))
}

func TestDirectConversationAcrossReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	b1, conn1 := h.connect(t, bob)
	first := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "one"})
	eventually(t, func() bool { return len(conn1.messages()) == 1 })
	assert.Equal(t, int64(1), conn1.messages()[0].Seq)
	require.NoError(t, h.router.Ack(ctx, b1.ID, first.ID))

	receipts, err := h.router.Receipts(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, b1.ID, receipts[0].SessionID)
	assert.NotNil(t, receipts[0].AckedAt)
	assert.Equal(t, 0, h.backlogLen(t, bob))

	h.registry.Disconnect(b1.ID, session.ReasonClientClosed)
	second := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "two"})
	h.allRouted(t)
	assert.Equal(t, 1, h.backlogLen(t, bob))

	conn2 := &fakeConn{}
	b2 := h.registry.Connect(bob, conn2, session.Meta{Transport: "test"})
	n, err := h.router.Attach(ctx, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	eventually(t, func() bool { return len(conn2.messages()) == 1 })
	assert.Equal(t, second.ID, conn2.messages()[0].ID)
	assert.Equal(t, int64(2), conn2.messages()[0].Seq)
	require.NoError(t, h.router.Ack(ctx, b2.ID, second.ID))
	assert.Equal(t, 0, h.backlogLen(t, bob))

	receipts, err = h.router.Receipts(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, b2.ID, receipts[0].SessionID)
	assert.NotNil(t, receipts[0].AckedAt)

	got, ok := h.registry.Get(b2.ID)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Cursors[second.ConversationID])
}

func TestGroupFanOutUsesMembershipAtSendTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")

	group, err := h.dir.CreateGroup(ctx, alice, "team", "", []int64{bob})
	require.NoError(t, err)

	_, bobConn := h.connect(t, bob)
	_, carolConn := h.connect(t, carol)

	msg := h.send(t, messagelog.Submission{SenderID: alice, GroupID: group.ID, Content: "standup"})
	require.NoError(t, h.dir.AddMember(ctx, group.ID, carol))

	eventually(t, func() bool { return len(bobConn.messages()) == 1 })
	assert.Equal(t, msg.ID, bobConn.messages()[0].ID)
	assert.Empty(t, carolConn.messages())
	assert.Equal(t, 0, h.backlogLen(t, carol))

	later := h.send(t, messagelog.Submission{SenderID: alice, GroupID: group.ID, Content: "welcome"})
	eventually(t, func() bool { return len(carolConn.messages()) == 1 })
	assert.Equal(t, later.ID, carolConn.messages()[0].ID)
}

func TestGroupMemberRemovedBeforeSendIsExcluded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")

	group, err := h.dir.CreateGroup(ctx, alice, "team", "", []int64{bob, carol})
	require.NoError(t, err)
	require.NoError(t, h.dir.RemoveMember(ctx, group.ID, carol))

	_, bobConn := h.connect(t, bob)
	carolSession, carolConn := h.connect(t, carol)

	msg := h.send(t, messagelog.Submission{SenderID: alice, GroupID: group.ID, Content: "after you left"})
	h.allRouted(t)
	eventually(t, func() bool { return len(bobConn.messages()) == 1 })
	assert.Equal(t, msg.ID, bobConn.messages()[0].ID)

	queued, unacked, ok := h.router.Pending(carolSession.ID)
	require.True(t, ok)
	assert.Zero(t, queued)
	assert.Zero(t, unacked)
	assert.Empty(t, carolConn.messages())
	assert.Equal(t, 0, h.backlogLen(t, carol))
}

func TestGroupMemberRemovedAfterSendStillReceives(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")

	group, err := h.dir.CreateGroup(ctx, alice, "team", "", []int64{bob, carol})
	require.NoError(t, err)

	msg := h.send(t, messagelog.Submission{SenderID: alice, GroupID: group.ID, Content: "before you left"})
	require.NoError(t, h.dir.RemoveMember(ctx, group.ID, carol))
	h.allRouted(t)
	assert.Equal(t, 1, h.backlogLen(t, carol))

	s, conn := h.connect(t, carol)
	eventually(t, func() bool { return len(conn.messages()) == 1 })
	assert.Equal(t, msg.ID, conn.messages()[0].ID)
	require.NoError(t, h.router.Ack(ctx, s.ID, msg.ID))
	assert.Equal(t, 0, h.backlogLen(t, carol))
}

func TestSenderOtherDevicesButNotOrigin(t *testing.T) {
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	origin, originConn := h.connect(t, alice)
	_, phoneConn := h.connect(t, alice)
	_, bobConn := h.connect(t, bob)

	msg := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "hey", OriginSessionID: origin.ID})
	eventually(t, func() bool { return len(bobConn.messages()) == 1 })
	eventually(t, func() bool { return len(phoneConn.messages()) == 1 })
	assert.Equal(t, msg.ID, phoneConn.messages()[0].ID)
	assert.Empty(t, originConn.messages())
	assert.Equal(t, 0, h.backlogLen(t, alice))
}

func TestConversationBetweenTwoUsersIsOrdered(t *testing.T) {
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	a, aConn := h.connect(t, alice)
	b, bConn := h.connect(t, bob)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.log.Append(context.Background(), messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "a", OriginSessionID: a.ID})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := h.log.Append(context.Background(), messagelog.Submission{SenderID: bob, RecipientID: alice, Content: "b", OriginSessionID: b.ID})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	eventually(t, func() bool { return len(aConn.messages()) == 10 && len(bConn.messages()) == 10 })
	for _, c := range []*fakeConn{aConn, bConn} {
		msgs := c.messages()
		for i := 1; i < len(msgs); i++ {
			assert.Less(t, msgs[i-1].Seq, msgs[i].Seq)
		}
	}
}

func TestPushFailureDisconnectsAndKeepsBacklog(t *testing.T) {
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	s, conn := h.connect(t, bob)
	conn.fail.Store(true)

	msg := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "lost?"})
	eventually(t, func() bool {
		_, ok := h.registry.Get(s.ID)
		return !ok
	})
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 1, h.backlogLen(t, bob))

	receipts, err := h.router.Receipts(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, 3, receipts[0].Attempts)
	assert.Nil(t, receipts[0].DeliveredAt)

	_, _, attached := h.router.Pending(s.ID)
	assert.False(t, attached)
}

func TestAckIsIdempotentAndChecksAddressee(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")

	s, conn := h.connect(t, bob)
	msg := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "x"})
	eventually(t, func() bool { return len(conn.messages()) == 1 })

	require.NoError(t, h.router.Ack(ctx, s.ID, msg.ID))
	require.NoError(t, h.router.Ack(ctx, s.ID, msg.ID))
	assert.Equal(t, 0, h.backlogLen(t, bob))

	assert.ErrorIs(t, h.router.Ack(ctx, "missing", msg.ID), apperrors.ErrNotFound)

	intruder, _ := h.connect(t, carol)
	assert.ErrorIs(t, h.router.Ack(ctx, intruder.ID, msg.ID), apperrors.ErrForbidden)

	group, err := h.dir.CreateGroup(ctx, alice, "team", "", []int64{bob})
	require.NoError(t, err)
	groupMsg := h.send(t, messagelog.Submission{SenderID: alice, GroupID: group.ID, Content: "members only"})
	eventually(t, func() bool { return len(conn.messages()) == 2 })

	assert.ErrorIs(t, h.router.Ack(ctx, intruder.ID, groupMsg.ID), apperrors.ErrForbidden)
	require.NoError(t, h.router.Ack(ctx, s.ID, groupMsg.ID))

	receipts, err := h.router.Receipts(ctx, groupMsg.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, s.ID, receipts[0].SessionID)
	assert.NotNil(t, receipts[0].AckedAt)
}

func TestRedeliveryAfterAckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	h := newHarness(t, cfg)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	s, conn := h.connect(t, bob)
	msg := h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "ping"})

	eventually(t, func() bool { return len(conn.messages()) >= 2 })
	require.NoError(t, h.router.Ack(context.Background(), s.ID, msg.ID))

	queued, unacked, ok := h.router.Pending(s.ID)
	require.True(t, ok)
	assert.Zero(t, queued)
	assert.Zero(t, unacked)
	for _, m := range conn.messages() {
		assert.Equal(t, msg.ID, m.ID)
	}
}

// secondPushes lists, in push order, the seq of every message seen twice.
func secondPushes(msgs []models.Message) []int64 {
	seen := make(map[string]int)
	var seqs []int64
	for _, m := range msgs {
		seen[m.ID]++
		if seen[m.ID] == 2 {
			seqs = append(seqs, m.Seq)
		}
	}
	return seqs
}

func TestRedeliveryKeepsSeqOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	h := newHarness(t, cfg)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	_, conn := h.connect(t, bob)
	const sent = 20
	for i := 0; i < sent; i++ {
		h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "unacked"})
	}

	var redelivered []int64
	eventually(t, func() bool {
		redelivered = secondPushes(conn.messages())
		return len(redelivered) == sent
	})
	for i := 1; i < len(redelivered); i++ {
		assert.Less(t, redelivered[i-1], redelivered[i])
	}
}

func TestCloseRoutesQueuedMessages(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	backlog := repositories.NewRedisBacklogWithClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = backlog.Close() })

	h := newHarnessWithBacklog(t, testConfig(), backlog)
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	const sent = 200
	for i := 0; i < sent; i++ {
		h.send(t, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "queued"})
	}
	h.router.Close()

	assert.Equal(t, sent, h.backlogLen(t, bob))
	pending, err := h.log.Unrouted(ctx, time.Now().Add(time.Hour), sent)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayRoutesMessagesLeftUnrouted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob := h.user(t, "alice"), h.user(t, "bob")

	// committed by a log whose process never routed it
	unhooked := messagelog.New(h.messages, h.dir, 4096, zerolog.Nop())
	lost, err := unhooked.Append(ctx, messagelog.Submission{SenderID: alice, RecipientID: bob, Content: "lost"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.backlogLen(t, bob))

	n, err := h.router.Replay(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.router.Replay(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.backlogLen(t, bob))
	assert.Equal(t, 0, h.backlogLen(t, alice))

	n, err = h.router.Replay(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, conn := h.connect(t, bob)
	eventually(t, func() bool { return len(conn.messages()) == 1 })
	assert.Equal(t, lost.ID, conn.messages()[0].ID)
}

func TestCatchupOrderSortsWithinConversation(t *testing.T) {
	a, b := models.ConversationID("dm:1:2"), models.GroupConversation(7)
	msgs := []models.Message{
		{ID: "a2", ConversationID: a, Seq: 2},
		{ID: "b1", ConversationID: b, Seq: 1},
		{ID: "a1", ConversationID: a, Seq: 1},
		{ID: "b2", ConversationID: b, Seq: 2},
	}
	catchupOrder(msgs)
	assert.Equal(t, []string{"a1", "a2", "b1", "b2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
}

func TestUserLocksAreExclusiveAndReleased(t *testing.T) {
	k := keyedMutex{locks: make(map[int64]*refMutex)}
	var held [3]atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			unlock := k.lock(id)
			assert.Equal(t, int32(1), held[id].Add(1))
			time.Sleep(time.Millisecond)
			held[id].Add(-1)
			unlock()
		}(int64(i % 3))
	}
	wg.Wait()
	assert.Zero(t, k.size())
}

func TestSignalsReachOtherParticipantsOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	alice, bob, carol := h.user(t, "alice"), h.user(t, "bob"), h.user(t, "carol")

	_, aliceConn := h.connect(t, alice)
	_, bobConn := h.connect(t, bob)

	conv := models.DirectConversation(alice, bob)
	require.NoError(t, h.router.Signal(ctx, conv, alice))
	eventually(t, func() bool { return bobConn.framesOf(models.FrameTyping) == 1 })
	assert.Zero(t, aliceConn.framesOf(models.FrameTyping))

	assert.ErrorIs(t, h.router.Signal(ctx, conv, carol), apperrors.ErrForbidden)

	group, err := h.dir.CreateGroup(ctx, alice, "team", "", []int64{bob})
	require.NoError(t, err)
	require.NoError(t, h.router.NotifyPresence(ctx, models.PresenceChange{UserID: alice, Previous: models.PresenceOffline, Status: models.PresenceOnline}))
	eventually(t, func() bool { return bobConn.framesOf(models.FramePresence) == 1 })
	assert.ErrorIs(t, h.router.Signal(ctx, models.GroupConversation(group.ID), carol), apperrors.ErrForbidden)
}

func TestAckDelayBackoff(t *testing.T) {
	r := &Router{cfg: Config{AckTimeout: time.Second, RetryMaxDelay: 5 * time.Second}}
	assert.Equal(t, time.Second, r.ackDelay(1))
	assert.Equal(t, 2*time.Second, r.ackDelay(2))
	assert.Equal(t, 4*time.Second, r.ackDelay(3))
	assert.Equal(t, 5*time.Second, r.ackDelay(4))
}
