package session

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote candidates until the remote description is
// applied, then flushes them once, in arrival order.
type candidateBuffer struct {
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

// Add applies c immediately if the remote description is set, otherwise queues it.
func (b *candidateBuffer) Add(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	if !b.remoteSet {
		b.pending = append(b.pending, c)
		return nil
	}
	return apply(c)
}

// RemoteApplied marks the remote description as set and flushes the queue.
// Every queued candidate is attempted; their errors are joined.
func (b *candidateBuffer) RemoteApplied(apply func(webrtc.ICECandidateInit) error) error {
	if b.remoteSet {
		return nil
	}
	b.remoteSet = true
	pending := b.pending
	b.pending = nil

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *candidateBuffer) RemoteSet() bool { return b.remoteSet }

func (b *candidateBuffer) Pending() int { return len(b.pending) }

func (b *candidateBuffer) Reset() {
	b.pending = nil
	b.remoteSet = false
}
