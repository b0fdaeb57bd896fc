package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/Intercom/internal/core"
)

type EventKind int

const (
	EventTrackAdded EventKind = iota
	EventTrackRemoved
	EventConnectionStateChanged
	EventMessageReceived
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventTrackAdded:
		return "track_added"
	case EventTrackRemoved:
		return "track_removed"
	case EventConnectionStateChanged:
		return "connection_state_changed"
	case EventMessageReceived:
		return "message_received"
	case EventStateChanged:
		return "state_changed"
	}
	return "unknown"
}

// Message sources.
const (
	ViaDataChannel = "datachannel"
	ViaRelay       = "relay"
)

type Event struct {
	Kind EventKind

	Track     core.RemoteTrack
	PeerState webrtc.PeerConnectionState
	Message   []byte
	Via       string
	From      State
	To        State
}

type EventHandler func(Event)

// Bus dispatches events synchronously to handlers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]EventHandler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]EventHandler)}
}

func (b *Bus) Subscribe(kind EventKind, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish runs every handler for ev.Kind. A panicking handler stops the
// dispatch and is reported as an error.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	hs := b.handlers[ev.Kind]
	b.mu.RUnlock()

	for i, h := range hs {
		var pc panics.Catcher
		pc.Try(func() { h(ev) })
		if r := pc.Recovered(); r != nil {
			return fmt.Errorf("%s handler #%d: %w", ev.Kind, i, r.AsError())
		}
	}
	return nil
}
