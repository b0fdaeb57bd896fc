package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/dkeye/Intercom/internal/domain"
)

const DefaultChunkSize = 16 * 1024

// Delivery reports a detached task's outcome to the original caller.
// taskErr non-nil means the task failed; a failure must still be reported.
type Delivery interface {
	Deliver(ctx context.Context, inv Invocation, res Result, taskErr error) error
}

// Completion is the payload of a completion call.
type Completion struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id"`
	Method    string         `json:"method"`
	Label     string         `json:"label,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// CallDelivery invokes a second named method on the caller.
type CallDelivery struct {
	Caller *Caller
	Method string
}

func (c CallDelivery) Deliver(ctx context.Context, inv Invocation, res Result, taskErr error) error {
	done := Completion{
		OK:        taskErr == nil,
		RequestID: inv.ID,
		Method:    inv.Method,
		Label:     res.Label,
		Data:      res.Data,
	}
	if taskErr != nil {
		done.Error = taskErr.Error()
	}
	ack, err := c.Caller.Invoke(ctx, inv.Caller, c.Method, done)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("completion refused by %s: %s", inv.Caller, ack.Error)
	}
	return nil
}

// StreamDelivery pushes the produced file to the caller as ordered chunks
// labelled with the result's topic.
type StreamDelivery struct {
	Self      domain.Identity
	Transport Transport
	ChunkSize int
}

func (s StreamDelivery) Deliver(ctx context.Context, inv Invocation, res Result, taskErr error) error {
	topic := res.Label
	if topic == "" {
		topic = inv.Method
	}
	id := uuid.NewString()
	base := Envelope{Kind: KindChunk, ID: id, Method: inv.Method, From: s.Self, To: inv.Caller, Topic: topic}

	if taskErr == nil && res.File == "" {
		taskErr = errors.New("task produced no file")
	}
	if taskErr != nil {
		fail := base
		fail.Final = true
		fail.Error = taskErr.Error()
		return s.Transport.Send(ctx, fail)
	}

	f, err := os.Open(res.File)
	if err != nil {
		fail := base
		fail.Final = true
		fail.Error = err.Error()
		_ = s.Transport.Send(ctx, fail)
		return err
	}
	defer f.Close()

	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	seq := 0
	for {
		n, rerr := io.ReadFull(f, buf)
		last := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !last {
			fail := base
			fail.Seq = seq
			fail.Final = true
			fail.Error = rerr.Error()
			_ = s.Transport.Send(ctx, fail)
			return rerr
		}
		chunk := base
		chunk.Seq = seq
		chunk.Data = append([]byte(nil), buf[:n]...)
		chunk.Final = last
		if err := s.Transport.Send(ctx, chunk); err != nil {
			return err
		}
		if last {
			return nil
		}
		seq++
	}
}
