package command

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

var ErrNoTransport = errors.New("command: no transport available")

// Transport sends envelopes to the identity named in env.To.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// ReadyTransport is a transport that is only usable part of the time,
// e.g. a data channel that exists only while a session is established.
type ReadyTransport interface {
	Transport
	Ready() bool
}

// Fallback prefers Primary while it is ready and otherwise uses Secondary.
// A failed Primary send is retried once on Secondary.
type Fallback struct {
	Primary   ReadyTransport
	Secondary Transport
}

func (f Fallback) Send(ctx context.Context, env Envelope) error {
	if f.Primary != nil && f.Primary.Ready() {
		err := f.Primary.Send(ctx, env)
		if err == nil || f.Secondary == nil {
			return err
		}
		log.Debug().Err(err).Str("module", "command").Str("id", env.ID).Msg("primary transport failed, falling back")
	}
	if f.Secondary != nil {
		return f.Secondary.Send(ctx, env)
	}
	return ErrNoTransport
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) error

func (f TransportFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }
