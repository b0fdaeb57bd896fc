package session

import (
	"context"

	"github.com/dkeye/Intercom/internal/app/command"
	"github.com/dkeye/Intercom/internal/domain"
)

// PeerTransport carries command envelopes over the established peer's
// message channel.
type PeerTransport struct{ M *Machine }

func (t PeerTransport) Ready() bool { return t.M.Ready() }

func (t PeerTransport) Send(_ context.Context, env command.Envelope) error {
	b, err := command.Encode(env)
	if err != nil {
		return err
	}
	return t.M.SendMessage(b)
}

// RelayTransport carries command envelopes inside relay messages.
type RelayTransport struct{ M *Machine }

func (t RelayTransport) Send(ctx context.Context, env command.Envelope) error {
	b, err := command.Encode(env)
	if err != nil {
		return err
	}
	return t.M.SendSignal(ctx, domain.SignalMessage{To: env.To, Type: string(domain.KindRPC), RPC: b})
}

// Transport prefers the peer channel and falls back to the relay.
func (m *Machine) Transport(viaPeer bool) command.Transport {
	if !viaPeer {
		return RelayTransport{M: m}
	}
	return command.Fallback{Primary: PeerTransport{M: m}, Secondary: RelayTransport{M: m}}
}
