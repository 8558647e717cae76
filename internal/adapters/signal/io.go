package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump feeds inbound messages to the dispatcher. On exit the
// socket is unregistered, and only the user's last socket triggers the
// session teardown — other tabs keep the session alive.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *Conn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(c.uid)).Msg("readPump closing")
		cancel()
		if last := ctl.unregister(c); last {
			ctl.Limiter.Forget(c.uid)
			ctl.Orch.Disconnect(c.uid)
		}
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.dispatch(ctx, c, data)
		}
	}
}

// dispatch is the closed inbound message set. Every op the protocol
// defines is a case here; unknown ops get an error ack instead of a
// silent drop.
func (ctl *Controller) dispatch(ctx context.Context, c *Conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case opJoin:
		ctl.handleJoin(ctx, c, env.RID, data)
	case opLeave:
		ctl.handleLeave(ctx, c)
	case opCreateTransport:
		ctl.handleCreateTransport(ctx, c, env.RID, data)
	case opConnectTransport:
		ctl.handleConnectTransport(ctx, c, env.RID, data)
	case opProduce:
		ctl.handleProduce(ctx, c, env.RID, data)
	case opConsume:
		ctl.handleConsume(ctx, c, env.RID, data)
	case opResumeConsumer:
		ctl.handleResumeConsumer(ctx, c, env.RID, data)
	case opCloseProducer:
		ctl.handleCloseProducer(ctx, c, data)
	case opSpeaking:
		ctl.handleSpeaking(c, data)
	case opVoiceStateUpdate:
		ctl.handleVoiceState(ctx, c, data)
	case opMediaStateUpdate:
		ctl.handleMediaState(ctx, c, data)
	case opMoveUser:
		ctl.handleMoveUser(ctx, c, env.RID, data)
	case opPing:
		ctl.sendJSON(c, reply{Type: "pong", RID: env.RID})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(c, errorReply{Type: "error", RID: env.RID, Error: "unknown_type"})
	}
}
