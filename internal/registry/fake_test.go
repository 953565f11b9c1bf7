package registry

import (
	"errors"
	"sync"

	"github.com/mossy-p/guest-match/internal/models"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []models.Outbound
	closed []CloseReason
	full   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev models.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close(reason CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
}
