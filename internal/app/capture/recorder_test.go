package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func shRecorder(script string) *Recorder {
	return &Recorder{Argv: []string{"sh", "-c", script}, Timeout: 5 * time.Second, WaitDelay: 500 * time.Millisecond}
}

func TestRecorder_WritesOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "shot.jpg")
	rec := shRecorder("printf frame > {output}")

	fut, err := rec.Start(context.Background(), Request{Output: out})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	path, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if path != out {
		t.Fatalf("path=%q, want %q", path, out)
	}
	b, _ := os.ReadFile(out)
	if string(b) != "frame" {
		t.Fatalf("content=%q, want frame", b)
	}
}

func TestRecorder_SubstitutesSeconds(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	rec := shRecorder("printf {seconds} > {output}")

	fut, err := rec.Start(context.Background(), Request{Output: out, Duration: 7 * time.Second})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	b, _ := os.ReadFile(out)
	if string(b) != "7" {
		t.Fatalf("seconds=%q, want 7", b)
	}
}

func TestRecorder_MissingOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "none.jpg")
	fut, err := shRecorder("true").Start(context.Background(), Request{Output: out})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := fut.Wait(context.Background()); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("err=%v, want ErrNoOutput", err)
	}
}

func TestRecorder_EmptyOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.jpg")
	fut, err := shRecorder(": > {output}").Start(context.Background(), Request{Output: out})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := fut.Wait(context.Background()); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("err=%v, want ErrNoOutput", err)
	}
}

func TestRecorder_ExitStatus(t *testing.T) {
	out := filepath.Join(t.TempDir(), "x.jpg")
	fut, err := shRecorder("echo no camera >&2; exit 3").Start(context.Background(), Request{Output: out})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = fut.Wait(context.Background())
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if errors.Is(err, ErrNoOutput) || errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("err=%v, want exit error", err)
	}
}

func TestRecorder_Timeout(t *testing.T) {
	rec := shRecorder("sleep 5")
	rec.Timeout = 100 * time.Millisecond

	start := time.Now()
	fut, err := rec.Start(context.Background(), Request{Output: filepath.Join(t.TempDir(), "t.jpg")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = fut.Wait(context.Background())
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("err=%v, want ErrCaptureTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestRecorder_CancelAwaitsProcess(t *testing.T) {
	rec := shRecorder("sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	fut, err := rec.Start(ctx, Request{Output: filepath.Join(t.TempDir(), "c.jpg")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	_, err = fut.Wait(waitCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
	select {
	case <-fut.Done():
	default:
		t.Fatal("Wait returned before the process was reaped")
	}
	cancel()
}

func TestRecorder_EmptyCommand(t *testing.T) {
	if _, err := (&Recorder{}).Start(context.Background(), Request{}); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("err=%v, want ErrEmptyCommand", err)
	}
}
