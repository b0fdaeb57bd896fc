package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

// MessageLabel is the data channel carrying command envelopes.
const MessageLabel = "rpc"

var ErrChannelNotOpen = errors.New("rtc: message channel not open")

type Options struct {
	// ReceiveAudio and ReceiveVideo add recvonly transceivers when offering.
	ReceiveAudio bool
	ReceiveVideo bool
	LocalTracks  []webrtc.TrackLocal
}

// Connection is one pion PeerConnection negotiated over the relay.
type Connection struct {
	pc     *webrtc.PeerConnection
	opts   Options
	logger zerolog.Logger

	mu         sync.RWMutex
	dc         *webrtc.DataChannel
	offered    bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(core.RemoteTrack)
	onTrackEnd func(core.RemoteTrack)
	onState    func(webrtc.PeerConnectionState)
	onMessage  func([]byte)
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, opts Options, self domain.Identity) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:     pc,
		opts:   opts,
		logger: log.With().Str("module", "webrtc").Str("identity", string(self)).Logger(),
	}

	for _, t := range opts.LocalTracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track %s: %w", t.ID(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := &remoteTrack{t: track, buf: make([]byte, maxPacketSize)}
		rt.onEnd = func() {
			c.mu.RLock()
			fn := c.onTrackEnd
			c.mu.RUnlock()
			if fn != nil {
				fn(rt)
			}
		}
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(rt)
		}
	})
	pc.OnDataChannel(func(d *webrtc.DataChannel) {
		if d.Label() != MessageLabel {
			c.logger.Debug().Str("label", d.Label()).Msg("unexpected data channel ignored")
			return
		}
		c.bindChannel(d)
	})
	return c, nil
}

// drainRTCP reads sender reports so pion's interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, maxPacketSize)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) bindChannel(d *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = d
	c.mu.Unlock()

	d.OnOpen(func() {
		c.logger.Info().Str("label", d.Label()).Msg("data channel open")
	})
	d.OnMessage(func(m webrtc.DataChannelMessage) {
		c.mu.RLock()
		fn := c.onMessage
		c.mu.RUnlock()
		if fn != nil {
			fn(m.Data)
		}
	})
}

// CreateOffer opens the message channel and receive transceivers on first
// use, then sets the offer as local description. Candidates trickle.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	first := !c.offered
	c.offered = true
	c.mu.Unlock()

	if first {
		if c.opts.ReceiveAudio {
			if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
				webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				return webrtc.SessionDescription{}, err
			}
		}
		if c.opts.ReceiveVideo {
			if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
				webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				return webrtc.SessionDescription{}, err
			}
		}
		d, err := c.pc.CreateDataChannel(MessageLabel, nil)
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
		}
		c.bindChannel(d)
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrackEnded(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrackEnd = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Connection) SendMessage(b []byte) error {
	c.mu.RLock()
	d := c.dc
	c.mu.RUnlock()
	if d == nil || d.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return d.Send(b)
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

var _ core.MediaConnection = (*Connection)(nil)
