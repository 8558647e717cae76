package rtc

import (
	"context"
	"fmt"

	"github.com/avask/parley/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (e *Engine) Produce(_ context.Context, transportID, kind string, params core.ProduceParams) (string, error) {
	if _, err := codecFor(kind); err != nil {
		return "", err
	}
	t, ok := e.transport(transportID)
	if !ok {
		return "", errUnknownTransport
	}
	if t.dir != core.DirectionSend {
		return "", errWrongDirection
	}

	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		transport: t,
		waiting:   make(map[string]*outTrack),
	}

	t.mu.Lock()
	t.pending[params.TrackID] = p
	t.mu.Unlock()

	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	log.Info().
		Str("module", "webrtc").
		Str("transport", t.id).
		Str("producer", p.id).
		Str("kind", kind).
		Msg("producer registered")
	return p.id, nil
}

// onTrack fires when a client's RTP actually starts flowing on a send
// transport. It binds the remote track to the producer registered for
// that track id and starts the fan-out relay.
func (e *Engine) onTrack(ctx context.Context, t *transport, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "webrtc").
		Str("transport", t.id).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()
	logger.Info().Msg("remote track received")

	t.mu.Lock()
	p, ok := t.pending[track.ID()]
	if ok {
		delete(t.pending, track.ID())
	}
	t.mu.Unlock()
	if !ok {
		logger.Warn().Msg("remote track has no registered producer, ignoring")
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	r := newRelay(track, cancel)

	p.mu.Lock()
	p.relay = r
	for consumerID, ot := range p.waiting {
		r.addOutTrack(consumerID, ot)
	}
	p.waiting = make(map[string]*outTrack)
	p.mu.Unlock()

	relayLogger := logger.With().Str("producer", p.id).Logger()
	go r.loop(rctx, &relayLogger)
}

func (e *Engine) CloseProducer(_ context.Context, producerID string) error {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	if ok {
		delete(e.producers, producerID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	r := p.relay
	p.relay = nil
	p.waiting = make(map[string]*outTrack)
	p.mu.Unlock()
	if r != nil {
		r.stop()
	}

	// Drop the pending registration in case the track never arrived.
	t := p.transport
	t.mu.Lock()
	for trackID, pending := range t.pending {
		if pending == p {
			delete(t.pending, trackID)
		}
	}
	t.mu.Unlock()

	log.Info().Str("module", "webrtc").Str("producer", producerID).Msg("producer closed")
	return nil
}

func (e *Engine) Consume(_ context.Context, transportID, producerID string, _ core.ConsumerCaps) (core.ConsumerInfo, error) {
	t, ok := e.transport(transportID)
	if !ok {
		return core.ConsumerInfo{}, errUnknownTransport
	}
	if t.dir != core.DirectionRecv {
		return core.ConsumerInfo{}, errWrongDirection
	}

	e.mu.Lock()
	p, ok := e.producers[producerID]
	e.mu.Unlock()
	if !ok {
		return core.ConsumerInfo{}, errUnknownProducer
	}

	codec, err := codecFor(p.kind)
	if err != nil {
		return core.ConsumerInfo{}, err
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, "parley")
	if err != nil {
		return core.ConsumerInfo{}, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return core.ConsumerInfo{}, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	ot := newOutTrack(local, sender)
	c := &consumer{id: id, producerID: producerID, transport: t, ot: ot}

	p.mu.Lock()
	if p.relay != nil {
		p.relay.addOutTrack(c.id, ot)
	} else {
		p.waiting[c.id] = ot
	}
	p.mu.Unlock()

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	// The recv transport needs a renegotiation to carry the new track.
	offer, err := e.negotiate(t.pc)
	if err != nil {
		return core.ConsumerInfo{}, err
	}

	return core.ConsumerInfo{
		ID:         c.id,
		ProducerID: producerID,
		Kind:       p.kind,
		Offer:      offer,
	}, nil
}

func (e *Engine) ResumeConsumer(_ context.Context, consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	e.mu.Unlock()
	if !ok {
		return errUnknownConsumer
	}
	c.ot.markLive()
	return nil
}

func (e *Engine) CloseConsumer(_ context.Context, consumerID string) error {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.consumers, consumerID)
	p := e.producers[c.producerID]
	e.mu.Unlock()

	c.ot.markClosed()
	if p != nil {
		p.mu.Lock()
		if p.relay != nil {
			p.relay.removeOutTrack(consumerID)
		}
		delete(p.waiting, consumerID)
		p.mu.Unlock()
	}
	if err := c.transport.pc.RemoveTrack(c.ot.sender); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("consumer", consumerID).Msg("remove track error")
	}
	return nil
}

// drainRTCP keeps the interceptor pipeline serviced for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
