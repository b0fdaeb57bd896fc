package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Intercom/internal/domain"
)

// RemoteTrack is a subscribed remote media track.
type RemoteTrack interface {
	ID() string
	Kind() domain.TrackKind
	// ReadPayload blocks for the next media payload in arrival order.
	ReadPayload() ([]byte, error)
}

// MediaConnection is the negotiated peer transport of one session attempt.
type MediaConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track is subscribed.
	OnTrack(func(RemoteTrack))
	// OnTrackEnded sets a callback invoked when a remote track stops delivering.
	OnTrackEnded(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	// SendMessage writes to the session's message channel.
	SendMessage([]byte) error
	// OnMessage sets a callback for frames arriving on the message channel.
	OnMessage(func([]byte))

	// Close should stop all underlying media resources.
	Close() error
}

// OutputDevice is a fixed-cadence playback sink.
type OutputDevice interface {
	Name() string
	Open() error
	Write(Frame) error
	Close() error
}
