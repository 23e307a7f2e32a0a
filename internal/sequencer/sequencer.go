// Package sequencer hands out gap-free, strictly increasing sequence numbers
// per conversation.
package sequencer

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
	"comm-server/internal/repositories"
)

// MaxSeqLoader reports the highest committed sequence of a conversation.
type MaxSeqLoader interface {
	MaxSeq(ctx context.Context, conv models.ConversationID) (int64, error)
}

// CommitFunc persists the message carrying seq. It runs while the
// conversation is locked.
type CommitFunc func(seq int64) error

type counter struct {
	mu     sync.Mutex
	loaded bool
	last   int64
	halted error
}

// Sequencer owns one counter per conversation. Counters are independent, so a
// slow commit in one conversation never blocks another.
type Sequencer struct {
	store  MaxSeqLoader
	logger zerolog.Logger

	mu       sync.Mutex
	counters map[models.ConversationID]*counter
}

// New builds a Sequencer backed by store.
func New(store MaxSeqLoader, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		store:    store,
		logger:   logger,
		counters: make(map[models.ConversationID]*counter),
	}
}

func (s *Sequencer) counter(conv models.ConversationID) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[conv]
	if !ok {
		c = &counter{}
		s.counters[conv] = c
	}
	return c
}

// Next allocates the next sequence of conv and commits it in one step. The
// counter only advances when commit succeeds. A transient failure leaves the
// counter to be re-derived from the store, because the write may have landed.
// A sequence collision halts the conversation until Recover is called.
func (s *Sequencer) Next(ctx context.Context, conv models.ConversationID, commit CommitFunc) (int64, error) {
	c := s.counter(conv)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted != nil {
		return 0, c.halted
	}
	if !c.loaded {
		last, err := s.store.MaxSeq(ctx, conv)
		if err != nil {
			return 0, err
		}
		c.last = last
		c.loaded = true
	}
	if err := ctx.Err(); err != nil {
		return 0, apperrors.Unavailable("sequence "+string(conv), err)
	}

	seq := c.last + 1
	if err := commit(seq); err != nil {
		if errors.Is(err, repositories.ErrSeqConflict) {
			c.halted = apperrors.Fatal("conversation %s halted: sequence %d already committed", conv, seq)
			s.logger.Error().Str("conversation", string(conv)).Int64("seq", seq).Msg("sequence collision, conversation halted")
			return 0, c.halted
		}
		c.loaded = false
		return 0, err
	}
	c.last = seq
	return seq, nil
}

// Last returns the last allocated sequence known in memory and whether the
// counter is loaded.
func (s *Sequencer) Last(conv models.ConversationID) (int64, bool) {
	c := s.counter(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.loaded
}

// Halted reports whether conv refuses new allocations.
func (s *Sequencer) Halted(conv models.ConversationID) bool {
	c := s.counter(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted != nil
}

// Recover clears a halt and reloads the counter from the store.
func (s *Sequencer) Recover(ctx context.Context, conv models.ConversationID) error {
	c := s.counter(conv)
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := s.store.MaxSeq(ctx, conv)
	if err != nil {
		return err
	}
	c.last = last
	c.loaded = true
	c.halted = nil
	s.logger.Info().Str("conversation", string(conv)).Int64("seq", last).Msg("conversation recovered")
	return nil
}
