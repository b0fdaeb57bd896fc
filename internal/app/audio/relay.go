package audio

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
)

// Relay plays one remote track at a time: a new track stops the previous
// one before a fresh device is opened.
type Relay struct {
	Player *Player
	// Device returns a new, unopened output device.
	Device  func() core.OutputDevice
	Decoder Decoder

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *Relay) Play(ctx context.Context, track core.RemoteTrack) error {
	r.Stop()

	if err := r.Player.Start(ctx, r.Device()); err != nil {
		return err
	}
	sink := r.Player.Sink()
	dec := r.Decoder
	if dec == nil {
		dec = PassthroughDecoder{}
	}
	fctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		if err := Feed(fctx, track, dec, sink); err != nil && fctx.Err() == nil {
			log.Warn().Err(err).Str("module", "audio").Str("track_id", track.ID()).Msg("feed stopped")
		}
	}()
	return nil
}

// Stop ends playback. A feed blocked on a read exits once its track ends;
// nothing it reads afterwards reaches the player.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.Player.Stop()
}
