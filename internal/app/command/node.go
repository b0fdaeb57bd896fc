package command

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Node routes inbound envelopes of one endpoint to its dispatcher, caller
// and artifact receiver.
type Node struct {
	Dispatcher *Dispatcher
	Caller     *Caller
	Receiver   *Receiver
}

// Deliver accepts one inbound envelope. Requests run concurrently; responses
// and chunks are handled inline to preserve their order.
func (n *Node) Deliver(ctx context.Context, env Envelope) {
	switch env.Kind {
	case KindRequest:
		if n.Dispatcher == nil {
			return
		}
		go n.Dispatcher.Handle(ctx, env)
	case KindResponse:
		if n.Caller == nil || !n.Caller.Resolve(env) {
			log.Debug().Str("module", "command").Str("id", env.ID).Msg("unmatched response dropped")
		}
	case KindChunk:
		if n.Receiver != nil {
			n.Receiver.Accept(env)
		}
	}
}

// DeliverRaw decodes b and delivers it; malformed frames are logged and dropped.
func (n *Node) DeliverRaw(ctx context.Context, b []byte) {
	env, err := Decode(b)
	if err != nil {
		log.Warn().Err(err).Str("module", "command").Msg("bad envelope")
		return
	}
	n.Deliver(ctx, env)
}
