package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

const waitTimeout = 3 * time.Second

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeSignaler is one relay connection.
type fakeSignaler struct {
	msgs chan domain.SignalMessage
	done chan struct{}

	mu     sync.Mutex
	sent   []domain.SignalMessage
	closed bool
	lost   sync.Once
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{msgs: make(chan domain.SignalMessage, 16), done: make(chan struct{})}
}

func (s *fakeSignaler) Messages() <-chan domain.SignalMessage { return s.msgs }
func (s *fakeSignaler) Done() <-chan struct{}                 { return s.done }

func (s *fakeSignaler) Send(_ context.Context, msg domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.drop()
	return nil
}

func (s *fakeSignaler) drop() { s.lost.Do(func() { close(s.done) }) }

func (s *fakeSignaler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSignaler) sentKinds() []domain.SignalKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SignalKind, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Kind())
	}
	return out
}

func (s *fakeSignaler) hasSent(k domain.SignalKind) bool {
	for _, got := range s.sentKinds() {
		if got == k {
			return true
		}
	}
	return false
}

type fakeTrack struct {
	id   string
	kind domain.TrackKind
}

func (t *fakeTrack) ID() string                   { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind       { return t.kind }
func (t *fakeTrack) ReadPayload() ([]byte, error) { return nil, io.EOF }

// fakePeer records the negotiation operations applied to it.
type fakePeer struct {
	mu     sync.Mutex
	ops    []string
	closed bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onEnded func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
	onMsg   func([]byte)
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePeer) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create:offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.record("create:answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("remote:" + d.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("cand:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(webrtc.ICECandidateInit))             { p.onICE = f }
func (p *fakePeer) OnTrack(f func(core.RemoteTrack))                           { p.onTrack = f }
func (p *fakePeer) OnTrackEnded(f func(core.RemoteTrack))                      { p.onEnded = f }
func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onState = f }
func (p *fakePeer) OnMessage(f func([]byte))                                   { p.onMsg = f }
func (p *fakePeer) SendMessage([]byte) error                                   { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeSink counts simultaneously playing tracks.
type fakeSink struct {
	mu        sync.Mutex
	active    int
	maxActive int
	plays     int
	calls     int
	err       error
}

func (s *fakeSink) Play(context.Context, core.RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.plays++
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	return nil
}

func (s *fakeSink) Stop() {
	s.mu.Lock()
	s.active = 0
	s.mu.Unlock()
}

func (s *fakeSink) stats() (active, maxActive, plays int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.maxActive, s.plays
}

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type authFunc func(ctx context.Context, id domain.Identity) (string, error)

func (f authFunc) Token(ctx context.Context, id domain.Identity) (string, error) { return f(ctx, id) }

type harness struct {
	m      *Machine
	dials  chan *fakeSignaler
	peers  chan *fakePeer
	sink   *fakeSink
	clock  *fakeClock
	cancel context.CancelFunc
	result chan error

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, role domain.Role, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dials:  make(chan *fakeSignaler, 8),
		peers:  make(chan *fakePeer, 8),
		sink:   &fakeSink{},
		clock:  &fakeClock{},
		result: make(chan error, 1),
	}
	self, peer := domain.Identity("A"), domain.Identity("B")
	if role == domain.RoleResponder {
		self, peer = peer, self
	}
	opts := Options{
		Self: domain.Participant{Identity: self, Role: role},
		Peer: peer,
		Dial: DialFunc(func(ctx context.Context, token string) (Signaler, error) {
			s := newFakeSignaler()
			h.dials <- s
			return s, nil
		}),
		Media: func(ctx context.Context) (core.MediaConnection, error) {
			p := &fakePeer{}
			h.peers <- p
			return p, nil
		},
		Audio: h.sink,
		Clock: h.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = NewMachine(opts)
	h.m.Subscribe(EventStateChanged, func(ev Event) {
		h.mu.Lock()
		h.states = append(h.states, ev.To)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.m.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
	return nil
}

func (h *harness) count(s State) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, got := range h.states {
		if got == s {
			n++
		}
	}
	return n
}

func (h *harness) nextSignaler(t *testing.T) *fakeSignaler {
	t.Helper()
	select {
	case s := <-h.dials:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no relay dial")
	}
	return nil
}

func (h *harness) nextPeer(t *testing.T) *fakePeer {
	t.Helper()
	select {
	case p := <-h.peers:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("no peer created")
	}
	return nil
}

func offer() domain.SignalMessage {
	return domain.SignalMessage{From: "A", To: "B", SDP: &domain.SDP{Type: "offer", SDP: "v=0 offer"}}
}

func candidate(c string) domain.SignalMessage {
	return domain.SignalMessage{From: "A", To: "B", ICE: &domain.ICE{Candidate: c}}
}

func TestMachine_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)

	sig.msgs <- candidate("c1")
	sig.msgs <- candidate("c2")
	sig.msgs <- offer()
	sig.msgs <- candidate("c3")

	eventually(t, "c3 applied", func() bool {
		ops := peer.Ops()
		return len(ops) > 0 && ops[len(ops)-1] == "cand:c3"
	})
	got := strings.Join(peer.Ops(), ",")
	want := "remote:offer,cand:c1,cand:c2,create:answer,cand:c3"
	if got != want {
		t.Fatalf("ops=%s, want %s", got, want)
	}
	if !sig.hasSent(domain.KindAnswer) {
		t.Fatalf("sent=%v, want answer", sig.sentKinds())
	}
	if st := h.m.State(); st != StateNegotiating {
		t.Fatalf("state=%s, want negotiating", st)
	}
}

func TestMachine_InitiatorOffersOnReady(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator, nil)
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)
	eventually(t, "creating offer", func() bool { return h.m.State() == StateCreatingOffer })
	if sig.hasSent(domain.KindOffer) {
		t.Fatal("offer sent before ready")
	}

	sig.msgs <- domain.SignalMessage{Type: domain.TypeReady}
	eventually(t, "offer sent", func() bool { return sig.hasSent(domain.KindOffer) })
	eventually(t, "negotiating", func() bool { return h.m.State() == StateNegotiating })

	sig.msgs <- domain.SignalMessage{From: "B", To: "A", ICE: &domain.ICE{Candidate: "early"}}
	sig.msgs <- domain.SignalMessage{From: "B", To: "A", SDP: &domain.SDP{Type: "answer", SDP: "v=0 answer"}}
	sig.msgs <- domain.SignalMessage{From: "B", To: "A", SDP: &domain.SDP{Type: "answer", SDP: "v=0 answer"}}
	eventually(t, "candidate flushed", func() bool { return len(peer.Ops()) == 3 })
	peer.onState(webrtc.PeerConnectionStateConnected)

	eventually(t, "established", func() bool { return h.m.State() == StateEstablished })
	got := strings.Join(peer.Ops(), ",")
	if got != "create:offer,remote:answer,cand:early" {
		t.Fatalf("ops=%s", got)
	}
}

func TestMachine_LocalCandidatesRelayedToPeer(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)
	eventually(t, "awaiting offer", func() bool { return h.m.State() == StateAwaitingOffer })

	peer.onICE(webrtc.ICECandidateInit{Candidate: "local1"})
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.sent) != 1 || sig.sent[0].To != "A" || sig.sent[0].ICE.Candidate != "local1" {
		t.Fatalf("sent=%+v, want one candidate to A", sig.sent)
	}
}

func TestMachine_ReconnectsAfterTransportLoss(t *testing.T) {
	const rounds = 3
	h := newHarness(t, domain.RoleResponder, nil)
	h.start()

	var peers []*fakePeer
	var sigs []*fakeSignaler
	for i := 0; i < rounds; i++ {
		sig := h.nextSignaler(t)
		peer := h.nextPeer(t)
		sigs = append(sigs, sig)
		peers = append(peers, peer)

		sig.msgs <- offer()
		eventually(t, "answer", func() bool { return sig.hasSent(domain.KindAnswer) })
		peer.onTrack(&fakeTrack{id: fmt.Sprintf("audio-%d", i), kind: domain.TrackAudio})
		eventually(t, "established", func() bool { return h.count(StateEstablished) == i+1 })

		sig.drop()
	}
	sig := h.nextSignaler(t)
	_ = h.nextPeer(t)
	if err := h.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.count(StateNegotiating); got != rounds {
		t.Fatalf("negotiating entered %d times, want %d", got, rounds)
	}
	if got := h.count(StateFailed); got != rounds {
		t.Fatalf("failed entered %d times, want %d", got, rounds)
	}
	active, maxActive, plays := h.sink.stats()
	if plays != rounds || maxActive != 1 || active != 0 {
		t.Fatalf("plays=%d maxActive=%d active=%d, want %d/1/0", plays, maxActive, active, rounds)
	}
	for i, p := range peers {
		if !p.isClosed() {
			t.Fatalf("peer %d left open", i)
		}
	}
	for i, s := range append(sigs, sig) {
		if !s.isClosed() {
			t.Fatalf("relay connection %d left open", i)
		}
	}
	sleeps := h.clock.Sleeps()
	if len(sleeps) != rounds {
		t.Fatalf("sleeps=%v, want %d", sleeps, rounds)
	}
	for _, d := range sleeps {
		if d != DefaultBackoff {
			t.Fatalf("backoff=%s, want %s", d, DefaultBackoff)
		}
	}
}

func TestMachine_AuthRejectionIsFatal(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, func(o *Options) {
		o.Auth = authFunc(func(ctx context.Context, id domain.Identity) (string, error) {
			return "", &domain.AuthError{Identity: id, Reason: "wrong password"}
		})
	})
	h.start()

	select {
	case err := <-h.result:
		if !errors.Is(err, domain.ErrAuth) {
			t.Fatalf("err=%v, want auth error", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run kept retrying after auth rejection")
	}
	if len(h.dials) != 0 {
		t.Fatal("relay dialed after auth rejection")
	}
	if len(h.clock.Sleeps()) != 0 {
		t.Fatal("backoff after fatal error")
	}
	if st := h.m.State(); st != StateClosed {
		t.Fatalf("state=%s, want closed", st)
	}
}

func TestMachine_TokenPassedToDialer(t *testing.T) {
	got := make(chan string, 1)
	h := newHarness(t, domain.RoleResponder, func(o *Options) {
		o.Auth = authFunc(func(ctx context.Context, id domain.Identity) (string, error) { return "tok-" + string(id), nil })
		inner := o.Dial
		o.Dial = DialFunc(func(ctx context.Context, token string) (Signaler, error) {
			got <- token
			return inner.Dial(ctx, token)
		})
	})
	h.start()
	defer h.stop(t)

	select {
	case tok := <-got:
		if tok != "tok-B" {
			t.Fatalf("token=%q, want tok-B", tok)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no dial")
	}
}

func TestMachine_ShutdownReleasesEverything(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	h.start()

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)
	sig.msgs <- offer()
	eventually(t, "answer", func() bool { return sig.hasSent(domain.KindAnswer) })
	peer.onTrack(&fakeTrack{id: "mic", kind: domain.TrackAudio})
	eventually(t, "established", func() bool { return h.m.State() == StateEstablished })

	if err := h.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := h.m.State(); st != StateClosed {
		t.Fatalf("state=%s, want closed", st)
	}
	if !peer.isClosed() || !sig.isClosed() {
		t.Fatal("resources not released on shutdown")
	}
	if active, _, _ := h.sink.stats(); active != 0 {
		t.Fatalf("audio still active: %d", active)
	}
	if h.count(StateFailed) != 0 {
		t.Fatal("shutdown reported as failure")
	}
	if h.m.Ready() {
		t.Fatal("ready after close")
	}
}

func TestMachine_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, func(o *Options) {
		o.MaxAttempts = 3
		o.Backoff = 500 * time.Millisecond
		o.Dial = DialFunc(func(ctx context.Context, token string) (Signaler, error) {
			return nil, errors.New("connection refused")
		})
	})
	h.start()

	select {
	case err := <-h.result:
		if !errors.Is(err, ErrGaveUp) || !errors.Is(err, domain.ErrTransportLost) {
			t.Fatalf("err=%v, want gave up after transport loss", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not give up")
	}
	sleeps := h.clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 500*time.Millisecond {
		t.Fatalf("sleeps=%v, want two of 500ms", sleeps)
	}
}

func TestMachine_TrackHandlerPanicFailsSession(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	var once sync.Once
	h.m.Subscribe(EventTrackAdded, func(Event) {
		once.Do(func() { panic("boom") })
	})
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)
	sig.msgs <- offer()
	eventually(t, "answer", func() bool { return sig.hasSent(domain.KindAnswer) })
	peer.onTrack(&fakeTrack{id: "mic", kind: domain.TrackAudio})

	eventually(t, "failure", func() bool { return h.count(StateFailed) == 1 })
	if !peer.isClosed() || !sig.isClosed() {
		t.Fatal("attempt not torn down after handler panic")
	}
	_ = h.nextSignaler(t)
}

func TestMachine_DeviceOpenFailureDisablesReceiveAudioOnly(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	h.sink.err = &domain.DeviceError{Device: "speaker", Open: true, Err: errors.New("busy")}
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)
	sig.msgs <- offer()
	eventually(t, "answer", func() bool { return sig.hasSent(domain.KindAnswer) })
	peer.onTrack(&fakeTrack{id: "mic", kind: domain.TrackAudio})

	eventually(t, "established", func() bool { return h.m.State() == StateEstablished })
	peer.onTrack(&fakeTrack{id: "mic2", kind: domain.TrackAudio})
	eventually(t, "second track recorded", func() bool { return len(h.m.Session().Tracks) == 2 })

	select {
	case err := <-h.result:
		t.Fatalf("Run returned %v after a playback-only device failure", err)
	case <-time.After(50 * time.Millisecond):
	}
	if st := h.m.State(); st != StateEstablished {
		t.Fatalf("state=%s, want established", st)
	}
	h.sink.mu.Lock()
	calls := h.sink.calls
	h.sink.mu.Unlock()
	if calls != 1 {
		t.Fatalf("device opened %d times, want no retry within the attempt", calls)
	}
	if peer.isClosed() || sig.isClosed() {
		t.Fatal("session torn down")
	}
}

func TestMachine_RelayRPCPublished(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	got := make(chan Event, 1)
	h.m.Subscribe(EventMessageReceived, func(ev Event) { got <- ev })
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	sig.msgs <- domain.SignalMessage{From: "A", To: "B", Type: "rpc", RPC: []byte(`{"kind":"request"}`)}

	select {
	case ev := <-got:
		if ev.Via != ViaRelay || string(ev.Message) != `{"kind":"request"}` {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no message event")
	}
}

func TestMachine_ResponderRenegotiatesOnNewOffer(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	first := h.nextPeer(t)
	sig.msgs <- offer()
	eventually(t, "answer", func() bool { return sig.hasSent(domain.KindAnswer) })

	sig.msgs <- offer()
	second := h.nextPeer(t)
	eventually(t, "second answer", func() bool {
		return strings.Join(second.Ops(), ",") == "remote:offer,create:answer"
	})
	if !first.isClosed() {
		t.Fatal("stale peer left open")
	}
	if len(h.dials) != 0 {
		t.Fatal("relay reconnected for an in-place renegotiation")
	}
}

func TestMachine_SessionTracksRemoteTracks(t *testing.T) {
	h := newHarness(t, domain.RoleResponder, nil)
	h.start()
	defer h.stop(t)

	sig := h.nextSignaler(t)
	peer := h.nextPeer(t)
	first := h.m.Session()
	if first.ID == "" || first.Remote.Identity != h.m.opts.Peer {
		t.Fatalf("session=%+v", first)
	}

	sig.msgs <- offer()
	eventually(t, "answer", func() bool { return sig.hasSent(domain.KindAnswer) })
	mic := &fakeTrack{id: "mic", kind: domain.TrackAudio}
	peer.onTrack(mic)
	eventually(t, "track recorded", func() bool { return len(h.m.Session().Tracks) == 1 })

	peer.onEnded(mic)
	eventually(t, "track removed", func() bool { return len(h.m.Session().Tracks) == 0 })

	sig.drop()
	h.nextSignaler(t)
	eventually(t, "new session id", func() bool { return h.m.Session().ID != first.ID })
}
