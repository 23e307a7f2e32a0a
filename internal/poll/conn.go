// Package poll is the long-poll transport. Pushed frames wait in a bounded
// mailbox until the client's next poll collects them.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"
)

const Transport = "longpoll"

var (
	ErrMailboxFull = errors.New("poll mailbox full")
	ErrClosed      = errors.New("poll session closed")
)

// Conn implements session.Conn for clients that fetch frames over HTTP.
type Conn struct {
	limit int

	mu     sync.Mutex
	frames [][]byte
	closed bool
	wake   chan struct{}
}

// NewConn builds a mailbox holding at most limit undelivered frames.
func NewConn(limit int) *Conn {
	return &Conn{limit: limit, wake: make(chan struct{}, 1)}
}

// Push stores the frame for the next poll. A full mailbox means the client
// stopped polling; the delivery layer treats it like a failed write.
func (c *Conn) Push(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(c.frames) >= c.limit {
		return ErrMailboxFull
	}
	c.frames = append(c.frames, payload)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.wake)
	}
	return nil
}

// Wait returns every queued frame, blocking up to maxWait for the first one.
// An empty result means the wait timed out.
func (c *Conn) Wait(ctx context.Context, maxWait time.Duration) ([][]byte, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		if frames, err := c.drain(); err != nil || len(frames) > 0 {
			return frames, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return c.drain()
		case <-c.wake:
		}
	}
}

func (c *Conn) drain() ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) > 0 {
		frames := c.frames
		c.frames = nil
		return frames, nil
	}
	if c.closed {
		return nil, ErrClosed
	}
	return nil, nil
}
