package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

const presenceTimeout = 2 * time.Second

var ErrNotAllowed = errors.New("identity not allowed")

type HubOptions struct {
	// Initiator receives "ready" once Responder is connected too.
	Initiator domain.Identity
	Responder domain.Identity
	// Allowed restricts identities when non-empty.
	Allowed  []domain.Identity
	Presence core.Presence
}

// Hub maps identities to their live connections.
type Hub struct {
	opts    HubOptions
	allowed map[domain.Identity]struct{}

	mu      sync.Mutex
	clients map[domain.Identity]core.SignalConnection
	paired  bool
	closed  bool
}

var readyFrame = core.Frame(`{"type":"ready"}`)

func NewHub(opts HubOptions) *Hub {
	h := &Hub{opts: opts, clients: make(map[domain.Identity]core.SignalConnection)}
	if len(opts.Allowed) > 0 {
		h.allowed = make(map[domain.Identity]struct{}, len(opts.Allowed))
		for _, id := range opts.Allowed {
			h.allowed[id] = struct{}{}
		}
	}
	return h
}

func (h *Hub) Allowed(id domain.Identity) bool {
	if h.allowed == nil {
		return true
	}
	_, ok := h.allowed[id]
	return ok
}

// Register binds id to conn. A connection already holding id is closed and
// replaced, which starts a new pairing.
func (h *Hub) Register(id domain.Identity, conn core.SignalConnection) error {
	if !h.Allowed(id) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, id)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("hub closed")
	}
	old := h.clients[id]
	h.clients[id] = conn
	if old != nil {
		h.paired = false
	}
	initiator, sendReady := h.checkPairLocked()
	h.mu.Unlock()

	logger := log.With().Str("module", "signal").Str("identity", string(id)).Logger()
	if old != nil {
		logger.Warn().Msg("identity reconnected, closing previous connection")
		old.Close()
	}
	logger.Info().Msg("registered")
	h.presence(func(ctx context.Context, p core.Presence) error { return p.Join(ctx, id) })

	if sendReady {
		if err := initiator.TrySend(readyFrame); err != nil {
			logger.Warn().Err(err).Msg("ready not delivered")
		} else {
			log.Info().Str("module", "signal").Str("initiator", string(h.opts.Initiator)).Msg("pair complete, ready sent")
		}
	}
	return nil
}

func (h *Hub) checkPairLocked() (core.SignalConnection, bool) {
	if h.paired || h.opts.Initiator == "" || h.opts.Responder == "" {
		return nil, false
	}
	initiator, ok := h.clients[h.opts.Initiator]
	if !ok {
		return nil, false
	}
	if _, ok := h.clients[h.opts.Responder]; !ok {
		return nil, false
	}
	h.paired = true
	return initiator, true
}

// Unregister removes id only while it still maps to conn.
func (h *Hub) Unregister(id domain.Identity, conn core.SignalConnection) {
	h.mu.Lock()
	cur, ok := h.clients[id]
	if !ok || cur != conn {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	if id == h.opts.Initiator || id == h.opts.Responder {
		h.paired = false
	}
	h.mu.Unlock()

	log.Info().Str("module", "signal").Str("identity", string(id)).Msg("unregistered")
	h.presence(func(ctx context.Context, p core.Presence) error { return p.Leave(ctx, id) })
}

// Forward queues raw, unmodified, on the connection of to.
func (h *Hub) Forward(from, to domain.Identity, raw []byte) error {
	if to == "" {
		return fmt.Errorf("%w: no target", domain.ErrSignalingDropped)
	}
	h.mu.Lock()
	conn, ok := h.clients[to]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not connected", domain.ErrSignalingDropped, to)
	}
	if err := conn.TrySend(core.Frame(raw)); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrSignalingDropped, to, err)
	}
	return nil
}

func (h *Hub) Members() []domain.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Identity, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[domain.Identity]core.SignalConnection)
	h.mu.Unlock()

	for id, c := range clients {
		c.Close()
		h.presence(func(ctx context.Context, p core.Presence) error { return p.Leave(ctx, id) })
	}
}

func (h *Hub) presence(fn func(context.Context, core.Presence) error) {
	if h.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, h.opts.Presence); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("presence update failed")
	}
}
