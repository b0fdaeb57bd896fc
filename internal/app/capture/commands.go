package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Intercom/internal/app/command"
	"github.com/dkeye/Intercom/internal/domain"
)

const (
	MethodPing  = "ping"
	MethodPhoto = "capture_photo"
	MethodVideo = "capture_video"

	defaultVideoLength = 5 * time.Second
	maxVideoLength     = 5 * time.Minute
)

var ErrCaptureDisabled = errors.New("capture: recorder not configured")

// Uploader publishes a captured file and returns its public name.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
	ArtifactURL(name string) string
}

// CaptureRequest is the payload of capture_photo and capture_video.
type CaptureRequest struct {
	Label   string  `json:"label,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// Service exposes the local capture devices as remote commands.
type Service struct {
	Self     domain.Identity
	Photo    *Recorder
	Video    *Recorder
	Dir      string
	Uploader Uploader
	// Keep leaves captured files on disk after a successful upload.
	Keep bool
}

// Register installs ping and the capture commands. Capture methods are
// exclusive: a second request while one runs is answered busy.
func (s *Service) Register(d *command.Dispatcher, deliver command.Delivery) {
	d.Register(MethodPing, s.ping)
	d.RegisterDetached(MethodPhoto, s.photo, deliver, command.Exclusive())
	d.RegisterDetached(MethodVideo, s.video, deliver, command.Exclusive())
}

func (s *Service) ping(_ context.Context, _ command.Invocation) (command.Ack, error) {
	return command.OK(map[string]any{"identity": string(s.Self)}), nil
}

func (s *Service) photo(ctx context.Context, inv command.Invocation) (command.Result, error) {
	var req CaptureRequest
	if err := inv.Bind(&req); err != nil {
		return command.Result{}, err
	}
	return s.capture(ctx, s.Photo, req, "photo", ".jpg", 0)
}

func (s *Service) video(ctx context.Context, inv command.Invocation) (command.Result, error) {
	var req CaptureRequest
	if err := inv.Bind(&req); err != nil {
		return command.Result{}, err
	}
	length := time.Duration(req.Seconds * float64(time.Second))
	if length <= 0 {
		length = defaultVideoLength
	}
	if length > maxVideoLength {
		return command.Result{}, fmt.Errorf("capture: video length %s exceeds %s", length, maxVideoLength)
	}
	return s.capture(ctx, s.Video, req, "video", ".mp4", length)
}

func (s *Service) capture(ctx context.Context, rec *Recorder, req CaptureRequest, kind, ext string, length time.Duration) (command.Result, error) {
	if rec == nil {
		return command.Result{}, ErrCaptureDisabled
	}
	label := req.Label
	if label == "" {
		label = kind
	}
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	out := filepath.Join(dir, fmt.Sprintf("%s-%s%s", kind, uuid.NewString(), ext))

	fut, err := rec.Start(ctx, Request{Output: out, Duration: length})
	if err != nil {
		return command.Result{}, &domain.DeviceError{Device: kind, Err: err}
	}
	path, err := fut.Wait(ctx)
	if err != nil {
		return command.Result{}, err
	}

	res := command.Result{Label: label, File: path, Data: map[string]any{"kind": kind}}
	if s.Uploader == nil {
		return res, nil
	}
	name, err := s.Uploader.Upload(ctx, path)
	if err != nil {
		return command.Result{}, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	res.Data["name"] = name
	res.Data["url"] = s.Uploader.ArtifactURL(name)
	if !s.Keep {
		_ = os.Remove(path)
		res.File = ""
	}
	return res, nil
}
