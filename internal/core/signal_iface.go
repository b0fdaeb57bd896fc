package core

// Frame is a raw binary payload (signaling frame or PCM audio frame).
type Frame []byte

// SignalConnection abstracts a relay-side messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
