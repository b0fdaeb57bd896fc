package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const opusClockRate = 48000

// OggSource publishes Opus audio read from a subprocess writing an Ogg
// stream to stdout (ffmpeg ... -c:a libopus -page_duration 20000 -f ogg pipe:1).
// The same track can be attached to successive peer connections.
type OggSource struct {
	Argv  []string
	Track *webrtc.TrackLocalStaticSample
}

func NewOggSource(argv []string) (*OggSource, error) {
	if len(argv) == 0 {
		return nil, errors.New("rtc: empty source command")
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "intercom",
	)
	if err != nil {
		return nil, err
	}
	return &OggSource{Argv: argv, Track: track}, nil
}

// Run streams until ctx ends or the subprocess exits.
func (s *OggSource) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = 2 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start audio source: %w", err)
	}
	logger := log.With().Str("module", "webrtc").Str("source", s.Argv[0]).Logger()
	logger.Info().Int("pid", cmd.Process.Pid).Msg("audio source started")

	streamErr := s.stream(stdout)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if streamErr != nil && !errors.Is(streamErr, io.EOF) {
		return streamErr
	}
	return waitErr
}

func (s *OggSource) stream(r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("ogg header: %w", err)
	}
	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		dur := time.Duration(samples) * time.Second / opusClockRate
		if err := s.Track.WriteSample(media.Sample{Data: page, Duration: dur}); err != nil {
			return err
		}
	}
}
