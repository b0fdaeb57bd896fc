package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/Intercom/internal/domain"
)

const DefaultAckTimeout = 10 * time.Second

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrBusy          = errors.New("busy")
	ErrAckDeadline   = errors.New("ack deadline exceeded")
	ErrClosed        = errors.New("dispatcher closed")
)

// Handler answers an invocation. It must return before the ack deadline.
type Handler func(ctx context.Context, inv Invocation) (Ack, error)

// Work is the long-running part of a fire-and-acknowledge command.
type Work func(ctx context.Context, inv Invocation) (Result, error)

// Result is what a detached task produced.
type Result struct {
	// Label correlates the completion with the original request on the caller side.
	Label string
	// File is a produced artifact on local disk, if any.
	File string
	Data map[string]any
}

type Option func(*registration)

// Exclusive rejects an invocation while a previous one of the same method
// is still running, answering {ok:false, error:"busy"}.
func Exclusive() Option {
	return func(r *registration) { r.exclusive = true }
}

type registration struct {
	method    string
	handler   Handler
	work      Work
	deliver   Delivery
	exclusive bool
	busy      atomic.Bool
}

type DispatcherOptions struct {
	Self       domain.Identity
	Transport  Transport
	AckTimeout time.Duration
}

// Dispatcher owns the registered methods and every detached task they spawn.
type Dispatcher struct {
	self       domain.Identity
	tr         Transport
	ackTimeout time.Duration
	logger     zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]*registration
	tasks    map[string]*Task
	closed   bool

	wg         conc.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		self:       opts.Self,
		tr:         opts.Transport,
		ackTimeout: opts.AckTimeout,
		logger:     log.With().Str("module", "command").Str("self", string(opts.Self)).Logger(),
		handlers:   make(map[string]*registration),
		tasks:      make(map[string]*Task),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Register adds a synchronous-result handler.
func (d *Dispatcher) Register(method string, h Handler, opts ...Option) {
	d.add(&registration{method: method, handler: h}, opts)
}

// RegisterDetached adds a fire-and-acknowledge method: the caller gets
// {ok:true, task:<id>} right away, work runs detached, and deliver reports
// its outcome to the caller afterwards.
func (d *Dispatcher) RegisterDetached(method string, work Work, deliver Delivery, opts ...Option) {
	d.add(&registration{method: method, work: work, deliver: deliver}, opts)
}

func (d *Dispatcher) add(r *registration, opts []Option) {
	for _, o := range opts {
		o(r)
	}
	d.mu.Lock()
	d.handlers[r.method] = r
	d.mu.Unlock()
	d.logger.Info().Str("method", r.method).Bool("detached", r.work != nil).Bool("exclusive", r.exclusive).Msg("registered")
}

func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Handle answers one request envelope. It is safe to call concurrently.
func (d *Dispatcher) Handle(ctx context.Context, env Envelope) {
	inv := Invocation{ID: env.ID, Method: env.Method, Caller: env.From, Payload: env.Payload}
	logger := d.logger.With().Str("method", inv.Method).Str("caller", string(inv.Caller)).Str("id", inv.ID).Logger()

	d.mu.RLock()
	reg, ok := d.handlers[inv.Method]
	closed := d.closed
	d.mu.RUnlock()

	switch {
	case closed:
		d.reply(ctx, inv, Fail(ErrClosed), &logger)
		return
	case !ok:
		logger.Warn().Msg("unknown method")
		d.reply(ctx, inv, Fail(ErrUnknownMethod), &logger)
		return
	}

	if reg.exclusive && !reg.busy.CompareAndSwap(false, true) {
		logger.Info().Msg("rejected, previous invocation still in flight")
		d.reply(ctx, inv, Fail(ErrBusy), &logger)
		return
	}

	if reg.work != nil {
		d.handleDetached(ctx, reg, inv, &logger)
		return
	}

	d.reply(ctx, inv, d.runHandler(ctx, reg, inv, &logger), &logger)
}

func (d *Dispatcher) runHandler(ctx context.Context, reg *registration, inv Invocation, logger *zerolog.Logger) Ack {
	hctx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	defer cancel()

	type outcome struct {
		ack Ack
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		var pc panics.Catcher
		var o outcome
		pc.Try(func() { o.ack, o.err = reg.handler(hctx, inv) })
		if r := pc.Recovered(); r != nil {
			o.err = r.AsError()
		}
		// An exclusive method stays busy until the handler itself returns,
		// even when its ack already went out as a deadline failure.
		if reg.exclusive {
			reg.busy.Store(false)
		}
		out <- o
	}()

	select {
	case o := <-out:
		if o.err != nil {
			logger.Error().Err(o.err).Msg("handler failed")
			return Fail(o.err)
		}
		return o.ack
	case <-hctx.Done():
		logger.Error().Msg("handler exceeded ack deadline")
		return Fail(ErrAckDeadline)
	}
}

func (d *Dispatcher) handleDetached(ctx context.Context, reg *registration, inv Invocation, logger *zerolog.Logger) {
	task, err := d.spawn(reg, inv)
	if err != nil {
		if reg.exclusive {
			reg.busy.Store(false)
		}
		d.reply(ctx, inv, Fail(err), logger)
		return
	}
	d.reply(ctx, inv, OK(map[string]any{"task": task.ID}), logger)
	close(task.acked)
}

// spawn starts the detached task. Its completion is held back until the
// acknowledgement has been written.
func (d *Dispatcher) spawn(reg *registration, inv Invocation) (*Task, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	tctx, cancel := context.WithCancel(d.baseCtx)
	task := &Task{
		ID:     uuid.NewString(),
		Method: inv.Method,
		Caller: inv.Caller,
		cancel: cancel,
		acked:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.tasks[task.ID] = task
	defer d.mu.Unlock()

	// Joined to wg under mu so that Close, once it has marked the
	// dispatcher closed, waits for every task spawned before that.
	logger := d.logger.With().Str("method", inv.Method).Str("caller", string(inv.Caller)).Str("task", task.ID).Logger()
	d.wg.Go(func() {
		defer func() {
			cancel()
			if reg.exclusive {
				reg.busy.Store(false)
			}
			d.mu.Lock()
			delete(d.tasks, task.ID)
			d.mu.Unlock()
			close(task.done)
		}()

		var res Result
		var werr error
		var pc panics.Catcher
		pc.Try(func() { res, werr = reg.work(tctx, inv) })
		if r := pc.Recovered(); r != nil {
			werr = r.AsError()
		}
		if werr != nil {
			werr = &domain.CommandTaskError{Method: inv.Method, Caller: inv.Caller, Err: werr}
			logger.Error().Err(werr).Msg("detached task failed")
		} else {
			logger.Info().Str("label", res.Label).Msg("detached task finished")
		}
		task.err = werr

		<-task.acked
		if reg.deliver == nil {
			return
		}
		// Delivery is best-effort and outlives cancellation of the task itself.
		dctx, dcancel := context.WithTimeout(context.Background(), d.ackTimeout)
		defer dcancel()
		if err := reg.deliver.Deliver(dctx, inv, res, werr); err != nil {
			logger.Warn().Err(err).Msg("completion delivery failed")
		}
	})
	return task, nil
}

func (d *Dispatcher) reply(ctx context.Context, inv Invocation, ack Ack, logger *zerolog.Logger) {
	payload, err := json.Marshal(ack)
	if err != nil {
		logger.Error().Err(err).Msg("marshal ack")
		return
	}
	env := Envelope{Kind: KindResponse, ID: inv.ID, Method: inv.Method, From: d.self, To: inv.Caller, Payload: payload}
	if err := d.tr.Send(ctx, env); err != nil {
		logger.Warn().Err(err).Msg("ack not sent")
	}
}

// Tasks returns the detached tasks still running.
func (d *Dispatcher) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	return out
}

// Close rejects new invocations, cancels running tasks and waits for them
// to finish or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancelBase()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}

// Task is the handle of one detached operation.
type Task struct {
	ID     string
	Method string
	Caller domain.Identity

	cancel context.CancelFunc
	acked  chan struct{}
	done   chan struct{}
	err    error
}

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finished and returns its error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
