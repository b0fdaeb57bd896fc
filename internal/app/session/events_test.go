package session

import (
	"strings"
	"testing"
)

func TestBus_HandlersRunInOrder(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe(EventMessageReceived, func(Event) { got = append(got, "first") })
	b.Subscribe(EventMessageReceived, func(Event) { got = append(got, "second") })
	b.Subscribe(EventTrackAdded, func(Event) { got = append(got, "other") })

	if err := b.Publish(Event{Kind: EventMessageReceived}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if strings.Join(got, ",") != "first,second" {
		t.Fatalf("got=%v", got)
	}
}

func TestBus_PanicStopsDispatch(t *testing.T) {
	b := NewBus()
	var ran bool
	b.Subscribe(EventTrackAdded, func(Event) { panic("bad track") })
	b.Subscribe(EventTrackAdded, func(Event) { ran = true })

	err := b.Publish(Event{Kind: EventTrackAdded})
	if err == nil || !strings.Contains(err.Error(), "bad track") {
		t.Fatalf("err=%v, want panic error", err)
	}
	if ran {
		t.Fatal("handler after panic ran")
	}
}

func TestState_String(t *testing.T) {
	if StateAwaitingOffer.String() != "awaiting_offer" || State(99).String() != "unknown" {
		t.Fatalf("names: %s %s", StateAwaitingOffer, State(99))
	}
}
