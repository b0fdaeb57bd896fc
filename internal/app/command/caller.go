package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Intercom/internal/domain"
)

var ErrAckTimeout = errors.New("command: no acknowledgement before deadline")

// Caller issues invocations and matches responses to them by id.
type Caller struct {
	self    domain.Identity
	tr      Transport
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Envelope
}

func NewCaller(self domain.Identity, tr Transport, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Caller{
		self:    self,
		tr:      tr,
		timeout: timeout,
		pending: make(map[string]chan Envelope),
	}
}

// Invoke calls method on the target identity and waits for its acknowledgement.
// A negative acknowledgement is returned as an Ack with OK false, not as an error.
func (c *Caller) Invoke(ctx context.Context, to domain.Identity, method string, payload any) (Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fmt.Errorf("command: marshal payload: %w", err)
	}
	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	env := Envelope{Kind: KindRequest, ID: id, Method: method, From: c.self, To: to, Payload: raw}
	if err := c.tr.Send(ctx, env); err != nil {
		return Ack{}, fmt.Errorf("command: send %s to %s: %w", method, to, err)
	}

	select {
	case resp := <-ch:
		var ack Ack
		if err := json.Unmarshal(resp.Payload, &ack); err != nil {
			return Ack{}, fmt.Errorf("command: decode ack: %w", err)
		}
		return ack, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Ack{}, ErrAckTimeout
		}
		return Ack{}, ctx.Err()
	}
}

// Resolve hands a response to its waiting Invoke. It reports false for
// responses nobody is waiting for (late or duplicate).
func (c *Caller) Resolve(env Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}
