package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

const (
	DefaultBackoff = 3 * time.Second
	inboxSize      = 64
)

var (
	ErrGaveUp         = errors.New("session: attempts exhausted")
	ErrNotEstablished = errors.New("session: not established")
)

// Authenticator obtains the credential used to join the relay.
type Authenticator interface {
	Token(ctx context.Context, identity domain.Identity) (string, error)
}

// Signaler is one live relay connection.
type Signaler interface {
	Messages() <-chan domain.SignalMessage
	Send(ctx context.Context, msg domain.SignalMessage) error
	// Done is closed once the connection is lost.
	Done() <-chan struct{}
	Close() error
}

type SignalDialer interface {
	Dial(ctx context.Context, token string) (Signaler, error)
}

type DialFunc func(ctx context.Context, token string) (Signaler, error)

func (f DialFunc) Dial(ctx context.Context, token string) (Signaler, error) { return f(ctx, token) }

// MediaFactory creates a fresh peer connection for each negotiation.
type MediaFactory func(ctx context.Context) (core.MediaConnection, error)

// AudioSink plays one remote audio track at a time.
type AudioSink interface {
	Play(ctx context.Context, track core.RemoteTrack) error
	Stop()
}

type Options struct {
	Self  domain.Participant
	Peer  domain.Identity
	Auth  Authenticator
	Dial  SignalDialer
	Media MediaFactory
	Audio AudioSink

	Backoff time.Duration
	// MaxAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxAttempts int
	Clock       Clock
}

// Machine owns every transport and device of the local endpoint.
// Run drives it; other methods are safe for concurrent use.
type Machine struct {
	opts   Options
	bus    *Bus
	clock  Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	state   State
	pc      core.MediaConnection
	sig     Signaler
	session domain.Session
}

func NewMachine(opts Options) *Machine {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Machine{
		opts:  opts,
		bus:   NewBus(),
		clock: clock,
		logger: log.With().
			Str("module", "session").
			Str("identity", string(opts.Self.Identity)).
			Str("role", string(opts.Self.Role)).
			Logger(),
	}
}

func (m *Machine) Subscribe(kind EventKind, h EventHandler) { m.bus.Subscribe(kind, h) }

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current attempt's session.
func (m *Machine) Session() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.session
	s.Tracks = append([]domain.Track(nil), s.Tracks...)
	return s
}

// Ready reports whether the peer message channel may be used.
func (m *Machine) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateEstablished && m.pc != nil
}

// SendMessage writes b to the current peer's message channel.
func (m *Machine) SendMessage(b []byte) error {
	m.mu.RLock()
	pc := m.pc
	m.mu.RUnlock()
	if pc == nil {
		return ErrNotEstablished
	}
	return pc.SendMessage(b)
}

// SendSignal sends msg through the current relay connection.
func (m *Machine) SendSignal(ctx context.Context, msg domain.SignalMessage) error {
	m.mu.RLock()
	sig := m.sig
	m.mu.RUnlock()
	if sig == nil {
		return fmt.Errorf("%w: no relay connection", domain.ErrTransportLost)
	}
	return sig.Send(ctx, msg)
}

// Run loops Idle → ... → Failed → backoff → Idle until ctx ends, a fatal
// error occurs, or MaxAttempts consecutive attempts fail. It returns nil on
// shutdown.
func (m *Machine) Run(ctx context.Context) error {
	defer m.setState(StateClosed)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.setState(StateIdle)

		a := &attempt{inbox: make(chan peerEvent, inboxSize)}
		err := m.attempt(ctx, a)
		if ctx.Err() != nil {
			return nil
		}
		if domain.IsFatal(err) {
			m.logger.Error().Err(err).Msg("fatal session error")
			return err
		}
		if a.established {
			failures = 0
		}
		failures++
		if m.opts.MaxAttempts > 0 && failures >= m.opts.MaxAttempts {
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}
		m.logger.Warn().Err(err).Int("failures", failures).Dur("backoff", m.opts.Backoff).Msg("session attempt failed, retrying")
		if err := m.clock.Sleep(ctx, m.opts.Backoff); err != nil {
			return nil
		}
	}
}

type peerEvent struct {
	gen int
	ev  Event
}

// attempt is the per-connection state; only the Run goroutine touches it.
type attempt struct {
	ctx         context.Context
	sig         Signaler
	pc          core.MediaConnection
	gen         int
	cands       candidateBuffer
	inbox       chan peerEvent
	established bool
	// audioOff is set once the output device failed to open; receive audio
	// stays off for the rest of the attempt.
	audioOff bool
}

func (m *Machine) attempt(ctx context.Context, a *attempt) (err error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.ctx = actx

	defer func() {
		if err != nil && ctx.Err() == nil {
			m.setState(StateFailed)
		}
		m.teardown(a)
	}()

	m.mu.Lock()
	m.session = domain.Session{
		ID:     domain.SessionID(uuid.NewString()),
		Local:  m.opts.Self,
		Remote: domain.Participant{Identity: m.opts.Peer},
	}
	sid := m.session.ID
	m.mu.Unlock()
	m.logger.Debug().Str("sid", string(sid)).Msg("attempt started")

	m.setState(StateAuthenticating)
	var token string
	if m.opts.Auth != nil {
		token, err = m.opts.Auth.Token(actx, m.opts.Self.Identity)
		if err != nil {
			return err
		}
	}

	sig, err := m.opts.Dial.Dial(actx, token)
	if err != nil {
		return fmt.Errorf("%w: relay: %w", domain.ErrTransportLost, err)
	}
	a.sig = sig
	m.mu.Lock()
	m.sig = sig
	m.mu.Unlock()

	if err := m.newPeer(a); err != nil {
		return err
	}
	if m.opts.Self.Role == domain.RoleInitiator {
		m.setState(StateCreatingOffer)
	} else {
		m.setState(StateAwaitingOffer)
	}

	for {
		select {
		case <-actx.Done():
			return actx.Err()
		case <-sig.Done():
			return fmt.Errorf("%w: signaling channel closed", domain.ErrTransportLost)
		case msg, ok := <-sig.Messages():
			if !ok {
				return fmt.Errorf("%w: signaling channel closed", domain.ErrTransportLost)
			}
			if err := m.onSignal(a, msg); err != nil {
				return err
			}
		case pe := <-a.inbox:
			if pe.gen != a.gen {
				continue
			}
			if err := m.onPeerEvent(a, pe.ev); err != nil {
				return err
			}
		}
	}
}

// newPeer creates the peer connection for the next negotiation. Callbacks
// of earlier peers are ignored by generation.
func (m *Machine) newPeer(a *attempt) error {
	pc, err := m.opts.Media(a.ctx)
	if err != nil {
		return &domain.NegotiationError{Step: "create peer", Err: err}
	}
	a.gen++
	gen := a.gen
	push := func(ev Event) {
		select {
		case a.inbox <- peerEvent{gen: gen, ev: ev}:
		case <-a.ctx.Done():
		}
	}

	sig := a.sig
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		ice := &domain.ICE{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
		if err := sig.Send(a.ctx, domain.SignalMessage{To: m.opts.Peer, ICE: ice}); err != nil {
			m.logger.Debug().Err(err).Msg("local candidate not sent")
		}
	})
	pc.OnTrack(func(t core.RemoteTrack) { push(Event{Kind: EventTrackAdded, Track: t}) })
	pc.OnTrackEnded(func(t core.RemoteTrack) { push(Event{Kind: EventTrackRemoved, Track: t}) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		push(Event{Kind: EventConnectionStateChanged, PeerState: s})
	})
	pc.OnMessage(func(b []byte) { push(Event{Kind: EventMessageReceived, Message: b, Via: ViaDataChannel}) })

	a.pc = pc
	a.cands.Reset()
	m.mu.Lock()
	m.pc = pc
	m.session.Tracks = nil
	m.mu.Unlock()
	return nil
}

// renegotiate replaces the peer within the same relay connection, used
// when the remote side restarted while we stayed connected.
func (m *Machine) renegotiate(a *attempt) error {
	m.logger.Info().Msg("peer restarted, renegotiating")
	m.closePeer(a)
	return m.newPeer(a)
}

func (m *Machine) onSignal(a *attempt, msg domain.SignalMessage) error {
	role := m.opts.Self.Role
	switch msg.Kind() {
	case domain.KindReady:
		if role != domain.RoleInitiator {
			return nil
		}
		if m.State() != StateCreatingOffer {
			if err := m.renegotiate(a); err != nil {
				return err
			}
			m.setState(StateCreatingOffer)
		}
		return m.sendOffer(a)

	case domain.KindOffer:
		if role != domain.RoleResponder {
			m.logger.Warn().Str("from", string(msg.From)).Msg("offer ignored by initiator")
			return nil
		}
		if a.cands.RemoteSet() {
			if err := m.renegotiate(a); err != nil {
				return err
			}
		}
		m.setState(StateNegotiating)
		if err := m.applyRemote(a, webrtc.SDPTypeOffer, msg.SDP.SDP); err != nil {
			return err
		}
		answer, err := a.pc.CreateAnswer()
		if err != nil {
			return &domain.NegotiationError{Step: "create answer", Err: err}
		}
		return m.sendSDP(a, "answer", answer.SDP)

	case domain.KindAnswer:
		if role != domain.RoleInitiator || m.State() != StateNegotiating {
			m.logger.Warn().Str("state", m.State().String()).Msg("unexpected answer ignored")
			return nil
		}
		if a.cands.RemoteSet() {
			m.logger.Debug().Msg("duplicate answer ignored")
			return nil
		}
		return m.applyRemote(a, webrtc.SDPTypeAnswer, msg.SDP.SDP)

	case domain.KindCandidate:
		c := webrtc.ICECandidateInit{Candidate: msg.ICE.Candidate, SDPMid: msg.ICE.SDPMid, SDPMLineIndex: msg.ICE.SDPMLineIndex}
		if err := a.cands.Add(c, a.pc.AddICECandidate); err != nil {
			m.logger.Warn().Err(err).Msg("remote candidate rejected")
		}
		return nil

	case domain.KindRPC:
		return m.publish(Event{Kind: EventMessageReceived, Message: msg.RPC, Via: ViaRelay})
	}
	m.logger.Debug().Str("from", string(msg.From)).Str("type", msg.Type).Msg("unrecognized signaling message")
	return nil
}

func (m *Machine) sendOffer(a *attempt) error {
	offer, err := a.pc.CreateOffer()
	if err != nil {
		return &domain.NegotiationError{Step: "create offer", Err: err}
	}
	if err := m.sendSDP(a, "offer", offer.SDP); err != nil {
		return err
	}
	m.setState(StateNegotiating)
	return nil
}

func (m *Machine) sendSDP(a *attempt, typ, sdp string) error {
	msg := domain.SignalMessage{To: m.opts.Peer, SDP: &domain.SDP{Type: typ, SDP: sdp}}
	if err := a.sig.Send(a.ctx, msg); err != nil {
		return fmt.Errorf("%w: send %s: %w", domain.ErrTransportLost, typ, err)
	}
	return nil
}

// applyRemote sets the remote description once and flushes the candidates
// that arrived before it.
func (m *Machine) applyRemote(a *attempt, typ webrtc.SDPType, sdp string) error {
	if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return &domain.NegotiationError{Step: "apply " + typ.String(), Err: err}
	}
	n := a.cands.Pending()
	if err := a.cands.RemoteApplied(a.pc.AddICECandidate); err != nil {
		m.logger.Warn().Err(err).Msg("buffered candidates rejected")
	}
	if n > 0 {
		m.logger.Debug().Int("count", n).Msg("flushed buffered candidates")
	}
	return nil
}

func (m *Machine) onPeerEvent(a *attempt, ev Event) error {
	if err := m.publish(ev); err != nil {
		return err
	}
	switch ev.Kind {
	case EventTrackAdded:
		m.logger.Info().Str("track_id", ev.Track.ID()).Str("kind", string(ev.Track.Kind())).Msg("remote track")
		m.mu.Lock()
		m.session.Tracks = append(m.session.Tracks, domain.Track{ID: ev.Track.ID(), Kind: ev.Track.Kind()})
		m.mu.Unlock()
		if ev.Track.Kind() == domain.TrackAudio && m.opts.Audio != nil && !a.audioOff {
			if err := m.opts.Audio.Play(a.ctx, ev.Track); err != nil {
				var de *domain.DeviceError
				if errors.As(err, &de) && de.Open {
					a.audioOff = true
					m.logger.Error().Err(err).Msg("audio output unavailable, receive audio disabled")
				} else {
					m.logger.Warn().Err(err).Msg("audio playback not started")
				}
			}
		}
		m.establish(a)

	case EventTrackRemoved:
		m.mu.Lock()
		m.session.Tracks = slices.DeleteFunc(m.session.Tracks, func(t domain.Track) bool { return t.ID == ev.Track.ID() })
		m.mu.Unlock()
		if ev.Track.Kind() == domain.TrackAudio && m.opts.Audio != nil {
			m.opts.Audio.Stop()
		}

	case EventConnectionStateChanged:
		switch ev.PeerState {
		case webrtc.PeerConnectionStateConnected:
			m.establish(a)
		case webrtc.PeerConnectionStateDisconnected:
			m.logger.Warn().Msg("peer disconnected, waiting for recovery")
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			return fmt.Errorf("%w: peer connection %s", domain.ErrTransportLost, ev.PeerState)
		}
	}
	return nil
}

func (m *Machine) publish(ev Event) error {
	if err := m.bus.Publish(ev); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

func (m *Machine) establish(a *attempt) {
	if m.State() == StateEstablished {
		return
	}
	a.established = true
	m.setState(StateEstablished)
}

func (m *Machine) closePeer(a *attempt) {
	if m.opts.Audio != nil {
		m.opts.Audio.Stop()
	}
	if a.pc == nil {
		return
	}
	m.mu.Lock()
	if m.pc == a.pc {
		m.pc = nil
	}
	m.mu.Unlock()
	if err := a.pc.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("peer close")
	}
	a.pc = nil
}

// teardown releases everything the attempt acquired: audio, peer, relay.
func (m *Machine) teardown(a *attempt) {
	m.closePeer(a)
	if a.sig == nil {
		return
	}
	m.mu.Lock()
	if m.sig == a.sig {
		m.sig = nil
	}
	m.mu.Unlock()
	if err := a.sig.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("relay close")
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	from := m.state
	if from == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.logger.Info().Str("from", from.String()).Str("to", s.String()).Msg("state")
	if err := m.bus.Publish(Event{Kind: EventStateChanged, From: from, To: s}); err != nil {
		m.logger.Error().Err(err).Msg("state observer failed")
	}
}
