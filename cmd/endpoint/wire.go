package main

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/adapters/rtc"
	relay "github.com/dkeye/Intercom/internal/adapters/signal"
	"github.com/dkeye/Intercom/internal/app/audio"
	"github.com/dkeye/Intercom/internal/app/capture"
	"github.com/dkeye/Intercom/internal/app/command"
	"github.com/dkeye/Intercom/internal/app/session"
	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
	"github.com/dkeye/Intercom/internal/gateway"
)

type endpoint struct {
	machine    *session.Machine
	dispatcher *command.Dispatcher
	source     *rtc.OggSource
}

func newEndpoint(cfg *config.Config, level zerolog.Level) (*endpoint, error) {
	ec := cfg.Endpoint
	role, err := domain.ParseRole(ec.Role)
	if err != nil {
		return nil, err
	}
	self, err := domain.NewParticipant(ec.Identity, role)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if err := domain.ValidateIdentity(ec.Peer); err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	peer := domain.Identity(ec.Peer)

	var gw *gateway.Client
	if ec.GatewayURL != "" {
		gw = gateway.NewClient(ec.GatewayURL, ec.Password)
	}

	api, err := rtc.NewAPI(level)
	if err != nil {
		return nil, err
	}
	iceCfg := rtc.Configuration(ec.ICEServers)

	ep := &endpoint{}
	var local []webrtc.TrackLocal
	if len(ec.Audio.SourceCommand) > 0 {
		src, err := rtc.NewOggSource(ec.Audio.SourceCommand)
		if err != nil {
			return nil, err
		}
		ep.source = src
		local = append(local, src.Track)
	}
	media := func(context.Context) (core.MediaConnection, error) {
		c, err := rtc.NewConnection(api, iceCfg, rtc.Options{ReceiveAudio: true, LocalTracks: local}, self.Identity)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	dial := session.DialFunc(func(ctx context.Context, token string) (session.Signaler, error) {
		c, err := relay.Dial(ctx, ec.RelayURL, self.Identity, token, relay.WithReadTimeout(ec.RelayReadTimeout))
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	sink, err := newAudio(ec.Audio)
	if err != nil {
		return nil, err
	}
	opts := session.Options{
		Self:        *self,
		Peer:        peer,
		Dial:        dial,
		Media:       media,
		Audio:       sink,
		Backoff:     ec.RetryBackoff,
		MaxAttempts: ec.MaxAttempts,
	}
	if gw != nil {
		opts.Auth = gw
	}
	ep.machine = session.NewMachine(opts)

	tr := ep.machine.Transport(ec.RPCTransport != session.ViaRelay)
	ep.dispatcher = command.NewDispatcher(command.DispatcherOptions{Self: self.Identity, Transport: tr, AckTimeout: ec.AckTimeout})
	caller := command.NewCaller(self.Identity, tr, ec.AckTimeout)
	node := &command.Node{
		Dispatcher: ep.dispatcher,
		Caller:     caller,
		Receiver:   command.NewReceiver(ec.Capture.Dir, logArtifact),
	}

	registerCapture(ec, self.Identity, gw, ep.dispatcher, caller, tr)
	ep.dispatcher.Register(ec.Capture.DoneMethod, onCaptureDone)

	ep.machine.Subscribe(session.EventMessageReceived, func(ev session.Event) {
		node.DeliverRaw(context.Background(), ev.Message)
	})
	ep.machine.Subscribe(session.EventStateChanged, func(ev session.Event) {
		if ev.To == session.StateEstablished && len(ec.Calls) > 0 {
			go invokeCalls(caller, peer, ec.Calls)
		}
	})
	return ep, nil
}

// newAudio builds the receive side. A required output device is checked
// here so that only a startup failure aborts the endpoint; later open
// failures just disable receive audio.
func newAudio(ac config.AudioConfig) (session.AudioSink, error) {
	player := audio.NewPlayer(audio.PlayerOptions{
		Capacity:      ac.Capacity,
		Warmup:        ac.Warmup,
		FrameDuration: ac.FrameDuration,
	})
	device := func() core.OutputDevice { return audio.NullDevice{} }
	if ac.Play && len(ac.OutputCommand) > 0 {
		device = func() core.OutputDevice { return audio.NewCommandDevice(ac.OutputCommand) }
		if ac.Required {
			if err := audio.CheckDevice(device()); err != nil {
				return nil, err
			}
		}
	}
	return &audio.Relay{Player: player, Device: device}, nil
}

func registerCapture(ec config.EndpointConfig, self domain.Identity, gw *gateway.Client, d *command.Dispatcher, caller *command.Caller, tr command.Transport) {
	svc := &capture.Service{Self: self, Dir: ec.Capture.Dir}
	if !ec.Capture.Enabled {
		d.Register(capture.MethodPing, func(context.Context, command.Invocation) (command.Ack, error) {
			return command.OK(map[string]any{"identity": string(self)}), nil
		})
		return
	}
	if len(ec.Capture.PhotoCommand) > 0 {
		svc.Photo = &capture.Recorder{Argv: ec.Capture.PhotoCommand, Timeout: ec.Capture.Timeout}
	}
	if len(ec.Capture.VideoCommand) > 0 {
		svc.Video = &capture.Recorder{Argv: ec.Capture.VideoCommand, Timeout: ec.Capture.Timeout}
	}

	var deliver command.Delivery
	switch ec.Capture.Delivery {
	case "stream":
		svc.Keep = true
		deliver = command.StreamDelivery{Self: self, Transport: tr}
	default:
		if gw != nil {
			svc.Uploader = gw
		}
		deliver = command.CallDelivery{Caller: caller, Method: ec.Capture.DoneMethod}
	}
	svc.Register(d, deliver)
}

func onCaptureDone(_ context.Context, inv command.Invocation) (command.Ack, error) {
	var done command.Completion
	if err := inv.Bind(&done); err != nil {
		return command.Ack{}, err
	}
	ev := log.Info()
	if !done.OK {
		ev = log.Warn().Str("error", done.Error)
	}
	ev.Str("module", "endpoint").
		Str("from", string(inv.Caller)).
		Str("request_id", done.RequestID).
		Str("method", done.Method).
		Str("label", done.Label).
		Interface("data", done.Data).
		Msg("capture finished")
	return command.OK(nil), nil
}

func logArtifact(a command.Artifact) {
	if a.Err != nil {
		log.Warn().Err(a.Err).Str("module", "endpoint").Str("from", string(a.From)).Str("topic", a.Topic).Msg("artifact transfer failed")
		return
	}
	log.Info().Str("module", "endpoint").Str("from", string(a.From)).Str("topic", a.Topic).
		Str("path", a.Path).Int64("size", a.Size).Msg("artifact received")
}

func invokeCalls(caller *command.Caller, peer domain.Identity, methods []string) {
	for _, method := range methods {
		ack, err := caller.Invoke(context.Background(), peer, method, capture.CaptureRequest{Label: method})
		logger := log.With().Str("module", "endpoint").Str("method", method).Logger()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("call failed")
		case !ack.OK:
			logger.Warn().Str("error", ack.Error).Msg("call refused")
		default:
			logger.Info().Interface("data", ack.Data).Msg("call acknowledged")
		}
	}
}
