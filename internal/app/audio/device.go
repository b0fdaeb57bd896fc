package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

var ErrDeviceClosed = errors.New("device closed")

// CheckDevice opens and closes dev once, failing the same way Player.Start
// would.
func CheckDevice(dev core.OutputDevice) error {
	if err := dev.Open(); err != nil {
		return &domain.DeviceError{Device: dev.Name(), Open: true, Err: err}
	}
	return dev.Close()
}

// CommandDevice pipes raw PCM into a player subprocess, e.g. ffplay -f s16le -i pipe:0.
type CommandDevice struct {
	Argv []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
}

func NewCommandDevice(argv []string) *CommandDevice {
	return &CommandDevice{Argv: argv}
}

func (d *CommandDevice) Name() string {
	if len(d.Argv) == 0 {
		return "command"
	}
	return d.Argv[0]
}

func (d *CommandDevice) Open() error {
	if len(d.Argv) == 0 {
		return errors.New("empty output command")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return errors.New("device already open")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.Argv[0], d.Argv[1:]...)
	cmd.WaitDelay = 2 * time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", strings.Join(d.Argv, " "), err)
	}
	d.cmd, d.stdin, d.cancel = cmd, stdin, cancel
	return nil
}

func (d *CommandDevice) Write(f core.Frame) error {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return ErrDeviceClosed
	}
	_, err := stdin.Write(f)
	return err
}

func (d *CommandDevice) Close() error {
	d.mu.Lock()
	cmd, stdin, cancel := d.cmd, d.stdin, d.cancel
	d.cmd, d.stdin, d.cancel = nil, nil, nil
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}
	_ = stdin.Close()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		cancel()
		<-done
	}
	cancel()
	return nil
}

// WriterDevice writes frames to an io.Writer.
type WriterDevice struct {
	Label string
	W     io.Writer

	mu   sync.Mutex
	open bool
}

func (d *WriterDevice) Name() string { return d.Label }

func (d *WriterDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *WriterDevice) Write(f core.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrDeviceClosed
	}
	_, err := d.W.Write(f)
	return err
}

func (d *WriterDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

// NullDevice discards everything.
type NullDevice struct{}

func (NullDevice) Name() string           { return "null" }
func (NullDevice) Open() error            { return nil }
func (NullDevice) Write(core.Frame) error { return nil }
func (NullDevice) Close() error           { return nil }
