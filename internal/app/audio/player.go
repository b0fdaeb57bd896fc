package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

const DefaultFrameDuration = 20 * time.Millisecond

type PlayerOptions struct {
	Capacity      int
	Warmup        int
	FrameDuration time.Duration
}

// Player owns one jitter buffer, one output device and the consumer task
// draining the buffer into the device at a fixed cadence.
type Player struct {
	opts PlayerOptions

	mu     sync.Mutex
	buf    *Buffer
	device core.OutputDevice
	cancel context.CancelFunc
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewPlayer(opts PlayerOptions) *Player {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Warmup <= 0 {
		opts.Warmup = DefaultWarmup
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = DefaultFrameDuration
	}
	return &Player{opts: opts}
}

// Start discards any previous run, opens dev and begins playback.
// A device that fails to open is fatal for this media direction only.
func (p *Player) Start(ctx context.Context, dev core.OutputDevice) error {
	p.Stop()

	if err := dev.Open(); err != nil {
		return &domain.DeviceError{Device: dev.Name(), Open: true, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	buf := NewBuffer(p.opts.Capacity, p.opts.Warmup)
	done := make(chan struct{})

	p.mu.Lock()
	p.buf = buf
	p.device = dev
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	log.Info().Str("module", "audio").Str("device", dev.Name()).Msg("playback started")
	go p.consume(ctx, buf, dev, done)
	return nil
}

// Push enqueues a decoded frame; it is a no-op while stopped.
func (p *Player) Push(f core.Frame) {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()
	if buf != nil {
		buf.Push(f)
	}
}

// Sink returns a push func bound to the current run. Frames pushed through
// it after a Stop or a restart never reach a later run.
func (p *Player) Sink() func(core.Frame) {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()
	if buf == nil {
		return func(core.Frame) {}
	}
	return buf.Push
}

// Stop cancels the consumer, waits for it, closes the device and releases the buffer.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel, done, dev, buf := p.cancel, p.done, p.device, p.buf
	p.cancel, p.done, p.device, p.buf = nil, nil, nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	buf.Reset()
	if err := dev.Close(); err != nil {
		log.Warn().Err(err).Str("module", "audio").Str("device", dev.Name()).Msg("device close")
	}
	log.Info().Str("module", "audio").Str("device", dev.Name()).Msg("playback stopped")
}

func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Buffered reports frames waiting in the current buffer.
func (p *Player) Buffered() int {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()
	if buf == nil {
		return 0
	}
	return buf.Len()
}

func (p *Player) Written() uint64 { return p.written.Load() }
func (p *Player) Dropped() uint64 { return p.dropped.Load() }

func (p *Player) consume(ctx context.Context, buf *Buffer, dev core.OutputDevice, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f, ok := buf.Pull()
		if !ok {
			continue
		}
		if err := dev.Write(f); err != nil {
			// Dropped, never requeued.
			p.dropped.Add(1)
			log.Debug().Err(err).Str("module", "audio").Str("device", dev.Name()).Msg("frame dropped")
			continue
		}
		p.written.Add(1)
	}
}
