package messagelog

import (
	"context"

	"comm-server/internal/models"
)

// Cursor iterates a conversation lazily, one page at a time. It is
// restartable: Position can seed a new cursor later.
type Cursor struct {
	log      *Log
	conv     models.ConversationID
	pageSize int

	position int64
	page     []models.Message
	current  models.Message
	err      error
	done     bool
}

// Scan returns a cursor over messages after fromSeq.
func (l *Log) Scan(conv models.ConversationID, fromSeq int64, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Cursor{log: l, conv: conv, pageSize: pageSize, position: fromSeq}
}

// Next advances to the next message, fetching a page when needed.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if len(c.page) == 0 {
		if c.done {
			return false
		}
		page, err := c.log.ReadRange(ctx, c.conv, c.position, c.pageSize)
		if err != nil {
			c.err = err
			return false
		}
		if len(page) < c.pageSize {
			c.done = true
		}
		if len(page) == 0 {
			return false
		}
		c.page = page
	}
	c.current, c.page = c.page[0], c.page[1:]
	c.position = c.current.Seq
	return true
}

// Message returns the message Next moved to.
func (c *Cursor) Message() models.Message {
	return c.current
}

// Err returns the first read error.
func (c *Cursor) Err() error {
	return c.err
}

// Position is the seq of the last message returned.
func (c *Cursor) Position() int64 {
	return c.position
}
