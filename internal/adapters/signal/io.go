package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

// identify reads the mandatory {"id": ...} frame.
func (ctl *SignalWSController) identify(c *WsSignalConn, claimed domain.Identity) (domain.Identity, bool) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("closed before identifying")
		return "", false
	}
	var hello domain.Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("first frame is not JSON")
		c.closeWith(websocket.ClosePolicyViolation, `first frame must be {"id": "..."}`)
		return "", false
	}
	if err := domain.ValidateIdentity(string(hello.ID)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad identity")
		c.closeWith(websocket.ClosePolicyViolation, err.Error())
		return "", false
	}
	if claimed != "" && claimed != hello.ID {
		log.Warn().Str("module", "signal").Str("identity", string(hello.ID)).Str("token_identity", string(claimed)).Msg("identity does not match token")
		c.closeWith(websocket.ClosePolicyViolation, "identity does not match token")
		return "", false
	}
	if err := ctl.Hub.Register(hello.ID, c); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("identity", string(hello.ID)).Msg("register rejected")
		c.closeWith(websocket.ClosePolicyViolation, err.Error())
		return "", false
	}
	return hello.ID, true
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn, claimed domain.Identity) {
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	id, ok := ctl.identify(c, claimed)
	if !ok {
		cancel()
		c.Close()
		return
	}
	logger := log.With().Str("module", "signal").Str("identity", string(id)).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		ctl.Hub.Unregister(id, c)
		ctl.Limiter.Forget(id)
		cancel()
		c.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		var env struct {
			To domain.Identity `json:"to"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Err(err).Msg("malformed frame, closing")
			c.closeWith(websocket.CloseUnsupportedData, "malformed frame")
			return
		}
		if !ctl.Limiter.Allow(id) {
			logger.Warn().Msg("rate limited, frame dropped")
			continue
		}
		if err := ctl.Hub.Forward(id, env.To, data); err != nil {
			if errors.Is(err, domain.ErrSignalingDropped) {
				logger.Debug().Err(err).Msg("frame dropped")
				continue
			}
			logger.Warn().Err(err).Msg("forward")
		}
	}
}
