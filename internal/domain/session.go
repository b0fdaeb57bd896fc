package domain

type SessionID string

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track describes one remote media track of a session.
type Track struct {
	ID   string    `json:"id"`
	Kind TrackKind `json:"kind"`
}

// Session is the negotiated exchange between two endpoints.
// Pending command invocations live with the dispatcher, not here.
type Session struct {
	ID     SessionID
	Local  Participant
	Remote Participant
	Tracks []Track
}
