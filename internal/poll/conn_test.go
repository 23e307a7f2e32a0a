package poll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsQueuedFrames(t *testing.T) {
	c := NewConn(4)
	ctx := context.Background()
	require.NoError(t, c.Push(ctx, []byte("a")))
	require.NoError(t, c.Push(ctx, []byte("b")))

	frames, err := c.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, frames)
}

func TestWaitWakesOnPush(t *testing.T) {
	c := NewConn(4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Push(context.Background(), []byte("late"))
	}()
	frames, err := c.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("late")}, frames)
}

func TestWaitTimesOutEmpty(t *testing.T) {
	frames, err := NewConn(1).Wait(context.Background(), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestMailboxLimitAndClose(t *testing.T) {
	c := NewConn(1)
	ctx := context.Background()
	require.NoError(t, c.Push(ctx, []byte("a")))
	assert.ErrorIs(t, c.Push(ctx, []byte("b")), ErrMailboxFull)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Push(ctx, []byte("c")), ErrClosed)

	frames, err := c.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	_, err = c.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
