package audio

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
)

// Decoder turns one network payload into zero or more PCM frames.
type Decoder interface {
	Decode(payload []byte) ([]core.Frame, error)
}

// PassthroughDecoder treats every payload as an already-decoded frame.
type PassthroughDecoder struct{}

func (PassthroughDecoder) Decode(payload []byte) ([]core.Frame, error) {
	f := make(core.Frame, len(payload))
	copy(f, payload)
	return []core.Frame{f}, nil
}

// Feed pumps track payloads through dec into sink until the track ends or
// ctx is done. sink is normally Player.Sink, taken when playback started.
func Feed(ctx context.Context, track core.RemoteTrack, dec Decoder, sink func(core.Frame)) error {
	logger := log.With().Str("module", "audio").Str("track_id", track.ID()).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := track.ReadPayload()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("track ended")
				return nil
			}
			return err
		}
		// The track may have been superseded while the read blocked.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frames, err := dec.Decode(payload)
		if err != nil {
			logger.Debug().Err(err).Msg("decode failed, payload skipped")
			continue
		}
		for _, f := range frames {
			sink(f)
		}
	}
}
