package orch

import (
	"context"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

// CreateTransport negotiates a transport for a joined user. The first
// recv-direction transport is remembered for later consume calls;
// extra recv transports are created but not re-remembered.
func (o *Orchestrator) CreateTransport(ctx context.Context, uid domain.UserID, dir core.TransportDirection) (core.TransportInfo, error) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return core.TransportInfo{}, core.ErrNotJoined
	}
	info, err := o.Media.CreateTransport(ctx, cid, uid, dir)
	if err != nil {
		return core.TransportInfo{}, err
	}
	if dir == core.DirectionRecv {
		o.Registry.SetRecvTransport(uid, info.ID)
	}
	return info, nil
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, uid domain.UserID, transportID string, params core.ConnectParams) error {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.Registry.ChannelOf(uid); !ok {
		return core.ErrNotJoined
	}
	return o.Media.ConnectTransport(ctx, transportID, params)
}

// Produce starts an outbound stream. Rejected from inside the AFK
// channel; on success the idle clock is touched and peers in the
// channel learn about the new producer.
func (o *Orchestrator) Produce(ctx context.Context, uid domain.UserID, transportID string, kind domain.MediaKind, params core.ProduceParams) (string, error) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return "", core.ErrNotJoined
	}
	if err := o.Guard.CheckTransmit(ctx, cid); err != nil {
		return "", err
	}
	id, err := o.Media.Produce(ctx, transportID, cid, uid, kind, params)
	if err != nil {
		return "", err
	}
	o.Registry.RecordActivity(uid)
	o.toChannel(cid, uid, core.Event{Op: core.OpNewProducer, Data: core.NewProducerData{
		ProducerRef: core.ProducerRef{ProducerID: id, UserID: uid, Kind: kind},
		ChannelID:   cid,
	}})
	log.Info().Str("module", "orch").Str("user", string(uid)).Str("kind", string(kind)).Str("producer", id).Msg("producing")
	return id, nil
}

// Consume attaches the caller's recv transport to a remote producer.
func (o *Orchestrator) Consume(ctx context.Context, uid domain.UserID, producerID string, caps core.ConsumerCaps) (core.ConsumerInfo, error) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.Registry.ChannelOf(uid); !ok {
		return core.ConsumerInfo{}, core.ErrNotJoined
	}
	recvID, ok := o.Registry.RecvTransport(uid)
	if !ok {
		return core.ConsumerInfo{}, core.ErrBadPayload
	}
	return o.Media.Consume(ctx, recvID, producerID, caps, uid)
}

func (o *Orchestrator) ResumeConsumer(ctx context.Context, uid domain.UserID, consumerID string) error {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	if _, ok := o.Registry.ChannelOf(uid); !ok {
		return core.ErrNotJoined
	}
	return o.Media.ResumeConsumer(ctx, consumerID)
}

// CloseProducer closes one of the caller's producers by media kind.
// Peers hear about the closure before the engine resource goes away.
func (o *Orchestrator) CloseProducer(ctx context.Context, uid domain.UserID, kind domain.MediaKind) {
	l := o.userLock(uid)
	l.Lock()
	defer l.Unlock()

	cid, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return
	}
	id, ok := o.Media.Producer(cid, uid, kind)
	if !ok {
		return
	}
	o.toChannel(cid, uid, core.Event{Op: core.OpProducerClosed, Data: core.ProducerClosedData{
		ProducerID: id, UserID: uid, Kind: kind, ChannelID: cid,
	}})
	o.Media.CloseProducer(ctx, cid, uid, kind)
}
