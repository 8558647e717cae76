package signal

import (
	"context"
	"encoding/json"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) handleCreateTransport(ctx context.Context, c *Conn, rid string, data []byte) {
	var p struct {
		Type      string `json:"type"`
		Direction string `json:"direction"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}
	dir := core.TransportDirection(p.Direction)
	if dir != core.DirectionSend && dir != core.DirectionRecv {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	info, err := ctl.Orch.CreateTransport(ctx, c.uid, dir)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, info)
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, c *Conn, rid string, data []byte) {
	var p struct {
		Type        string             `json:"type"`
		TransportID string             `json:"transport_id"`
		Params      core.ConnectParams `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	if err := ctl.Orch.ConnectTransport(ctx, c.uid, p.TransportID, p.Params); err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, nil)
}

func (ctl *Controller) handleProduce(ctx context.Context, c *Conn, rid string, data []byte) {
	var p struct {
		Type        string             `json:"type"`
		TransportID string             `json:"transport_id"`
		MediaType   string             `json:"media_type"`
		Params      core.ProduceParams `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}
	kind, err := domain.ParseMediaKind(p.MediaType)
	if err != nil {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	id, err := ctl.Orch.Produce(ctx, c.uid, p.TransportID, kind, p.Params)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, map[string]string{"producer_id": id})
}

func (ctl *Controller) handleConsume(ctx context.Context, c *Conn, rid string, data []byte) {
	var p struct {
		Type       string            `json:"type"`
		ProducerID string            `json:"producer_id"`
		Caps       core.ConsumerCaps `json:"caps"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ProducerID == "" {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	info, err := ctl.Orch.Consume(ctx, c.uid, p.ProducerID, p.Caps)
	if err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, info)
}

func (ctl *Controller) handleResumeConsumer(ctx context.Context, c *Conn, rid string, data []byte) {
	var p struct {
		Type       string `json:"type"`
		ConsumerID string `json:"consumer_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ConsumerID == "" {
		ctl.ackErr(c, rid, core.ErrBadPayload)
		return
	}

	if err := ctl.Orch.ResumeConsumer(ctx, c.uid, p.ConsumerID); err != nil {
		ctl.ackErr(c, rid, err)
		return
	}
	ctl.ack(c, rid, nil)
}

// close_producer has no ack channel; errors are logged and dropped.
func (ctl *Controller) handleCloseProducer(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad close_producer payload")
		return
	}
	kind, err := domain.ParseMediaKind(p.MediaType)
	if err != nil {
		log.Warn().Str("module", "signal").Str("media_type", p.MediaType).Msg("close_producer unknown kind")
		return
	}
	ctl.Orch.CloseProducer(ctx, c.uid, kind)
}
