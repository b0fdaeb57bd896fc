// Package capture wraps device-capture subprocesses (ffmpeg, gst-launch)
// behind a future and exposes them as remote commands.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrCaptureTimeout = errors.New("capture: timed out")
	ErrNoOutput       = errors.New("capture: process produced no output file")
	ErrEmptyCommand   = errors.New("capture: empty command")
)

const defaultWaitDelay = 3 * time.Second

// Recorder runs one capture command template. "{output}" and "{seconds}"
// in Argv are substituted per request.
type Recorder struct {
	Argv      []string
	Timeout   time.Duration
	WaitDelay time.Duration
}

type Request struct {
	Output   string
	Duration time.Duration
}

func (r *Recorder) args(req Request) []string {
	secs := strconv.FormatFloat(req.Duration.Seconds(), 'f', 0, 64)
	out := make([]string, len(r.Argv))
	for i, a := range r.Argv {
		a = strings.ReplaceAll(a, "{output}", req.Output)
		a = strings.ReplaceAll(a, "{seconds}", secs)
		out[i] = a
	}
	return out
}

// Start launches the capture and returns at once. Cancelling ctx interrupts
// the process; it is still awaited, never abandoned.
func (r *Recorder) Start(ctx context.Context, req Request) (*Future, error) {
	if len(r.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	argv := r.args(req)

	timeout := r.Timeout
	if req.Duration > 0 {
		timeout += req.Duration
	}
	var procCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	logger := log.With().Str("module", "capture").Str("cmd", argv[0]).Str("output", req.Output).Logger()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("capture: start %s: %w", argv[0], err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Msg("capture started")

	f := &Future{path: req.Output, done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		err := cmd.Wait()
		switch {
		case errors.Is(procCtx.Err(), context.DeadlineExceeded):
			f.err = ErrCaptureTimeout
		case ctx.Err() != nil:
			f.err = ctx.Err()
		case err != nil:
			f.err = fmt.Errorf("capture: %s: %w: %s", argv[0], err, stderr.String())
		default:
			f.err = checkOutput(req.Output)
		}
		if f.err != nil {
			logger.Warn().Err(f.err).Msg("capture failed")
			return
		}
		logger.Info().Msg("capture finished")
	}()
	return f, nil
}

func checkOutput(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoOutput, err)
	}
	if st.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNoOutput, path)
	}
	return nil
}

// Future is the eventual result of one capture.
type Future struct {
	path   string
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait returns the output path once the process exited successfully. If ctx
// ends first the process is interrupted and still awaited.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.cancel()
		<-f.done
		if f.err == nil {
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

// Cancel interrupts the process without waiting for it.
func (f *Future) Cancel() { f.cancel() }

type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if len(t.b) > t.max {
		t.b = t.b[len(t.b)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}
