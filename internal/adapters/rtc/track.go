package rtc

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Intercom/internal/domain"
)

const maxPacketSize = 1500

// remoteTrack exposes RTP payloads of a subscribed pion track.
type remoteTrack struct {
	t     *webrtc.TrackRemote
	buf   []byte
	ended sync.Once
	onEnd func()
}

func (r *remoteTrack) ID() string { return r.t.ID() }

func (r *remoteTrack) Kind() domain.TrackKind {
	if r.t.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

// ReadPayload returns the next packet payload. The first read error ends
// the track and is reported as io.EOF when the peer went away.
func (r *remoteTrack) ReadPayload() ([]byte, error) {
	n, _, err := r.t.Read(r.buf)
	if err != nil {
		r.ended.Do(r.onEnd)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, io.EOF
		}
		return nil, err
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(r.buf[:n]); err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
