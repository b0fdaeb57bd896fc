package rtc

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
)

func TestLoggerFactory_RoutesToZerolog(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	l := LoggerFactory{Level: zerolog.WarnLevel}.NewLogger("ice")
	l.Debug("hidden")
	l.Warnf("candidate %d failed", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at warn level: %s", out)
	}
	if !strings.Contains(out, `"scope":"ice"`) || !strings.Contains(out, "candidate 3 failed") {
		t.Fatalf("out=%s", out)
	}
}

func TestConfiguration(t *testing.T) {
	cfg := Configuration([]string{"stun:a", "stun:b"})
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if got := Configuration(nil); len(got.ICEServers) != 0 {
		t.Fatalf("cfg=%+v, want no servers", got)
	}
}

func TestSendMessage_BeforeNegotiation(t *testing.T) {
	api, err := NewAPI(zerolog.Disabled)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	c, err := NewConnection(api, webrtc.Configuration{}, Options{}, "A")
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer c.Close()
	if err := c.SendMessage([]byte("x")); err != ErrChannelNotOpen {
		t.Fatalf("err=%v, want ErrChannelNotOpen", err)
	}
}

// pair negotiates two connections in-process over loopback candidates.
func pair(t *testing.T) (offerer, answerer *Connection) {
	t.Helper()
	api, err := NewAPI(zerolog.Disabled, func(se *webrtc.SettingEngine) {
		se.SetIncludeLoopbackCandidate(true)
	})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	offerer, err = NewConnection(api, webrtc.Configuration{}, Options{ReceiveAudio: true}, "A")
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	answerer, err = NewConnection(api, webrtc.Configuration{}, Options{}, "B")
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})

	// Candidates may be gathered before the far side has a remote description.
	var mu sync.Mutex
	var toA, toB []webrtc.ICECandidateInit
	offerer.OnICECandidate(func(c webrtc.ICECandidateInit) { mu.Lock(); toB = append(toB, c); mu.Unlock() })
	answerer.OnICECandidate(func(c webrtc.ICECandidateInit) { mu.Lock(); toA = append(toA, c); mu.Unlock() })

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer SetRemoteDescription: %v", err)
	}

	go func() {
		sent := map[*Connection]int{}
		for i := 0; i < 200; i++ {
			mu.Lock()
			forB, forA := toB[sent[answerer]:], toA[sent[offerer]:]
			sent[answerer] += len(forB)
			sent[offerer] += len(forA)
			mu.Unlock()
			for _, c := range forB {
				_ = answerer.AddICECandidate(c)
			}
			for _, c := range forA {
				_ = offerer.AddICECandidate(c)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return offerer, answerer
}

func TestConnection_MessageChannelRoundTrip(t *testing.T) {
	a, b := pair(t)

	got := make(chan []byte, 1)
	b.OnMessage(func(m []byte) { got <- m })

	deadline := time.Now().Add(10 * time.Second)
	for a.SendMessage([]byte(`{"kind":"request"}`)) != nil {
		if time.Now().After(deadline) {
			t.Skip("no usable ICE path in this environment")
		}
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case m := <-got:
		if string(m) != `{"kind":"request"}` {
			t.Fatalf("got=%s", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

var _ core.RemoteTrack = (*remoteTrack)(nil)
