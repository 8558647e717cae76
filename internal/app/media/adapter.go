// Package media fronts the external media-routing engine. The adapter
// owns per-channel router handles and the producer/consumer index; the
// engine behind the port stays opaque.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog/log"
)

type producerKey struct {
	Channel domain.ChannelID
	User    domain.UserID
	Kind    domain.MediaKind
}

type consumerRec struct {
	User       domain.UserID
	ProducerID string
}

type Adapter struct {
	engine core.MediaEngine

	mu         sync.Mutex
	routers    map[domain.ChannelID]core.RouterCaps
	producers  map[producerKey]string // → engine producer id
	byProducer map[string]producerKey
	transports map[domain.UserID][]string
	consumers  map[string]consumerRec // consumer id → record
}

func NewAdapter(engine core.MediaEngine) *Adapter {
	return &Adapter{
		engine:     engine,
		routers:    make(map[domain.ChannelID]core.RouterCaps),
		producers:  make(map[producerKey]string),
		byProducer: make(map[string]producerKey),
		transports: make(map[domain.UserID][]string),
		consumers:  make(map[string]consumerRec),
	}
}

// GetOrCreateRouter lazily allocates the channel's routing resource.
func (a *Adapter) GetOrCreateRouter(ctx context.Context, cid domain.ChannelID) (core.RouterCaps, error) {
	a.mu.Lock()
	caps, ok := a.routers[cid]
	a.mu.Unlock()
	if ok {
		return caps, nil
	}
	caps, err := a.engine.CreateRouter(ctx, cid)
	if err != nil {
		return core.RouterCaps{}, fmt.Errorf("create router: %w", err)
	}
	a.mu.Lock()
	a.routers[cid] = caps
	a.mu.Unlock()
	log.Info().Str("module", "media").Str("channel", string(cid)).Msg("router created")
	return caps, nil
}

// CleanupRouter releases a channel's router. Callers only invoke it
// once the participant set is empty.
func (a *Adapter) CleanupRouter(ctx context.Context, cid domain.ChannelID) {
	a.mu.Lock()
	_, ok := a.routers[cid]
	delete(a.routers, cid)
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := a.engine.CloseRouter(ctx, cid); err != nil {
		log.Error().Err(err).Str("module", "media").Str("channel", string(cid)).Msg("close router")
	}
	log.Info().Str("module", "media").Str("channel", string(cid)).Msg("router closed")
}

func (a *Adapter) CreateTransport(ctx context.Context, cid domain.ChannelID, uid domain.UserID, dir core.TransportDirection) (core.TransportInfo, error) {
	info, err := a.engine.CreateTransport(ctx, cid, uid, dir)
	if err != nil {
		return core.TransportInfo{}, fmt.Errorf("create transport: %w", err)
	}
	a.mu.Lock()
	a.transports[uid] = append(a.transports[uid], info.ID)
	a.mu.Unlock()
	return info, nil
}

func (a *Adapter) ConnectTransport(ctx context.Context, transportID string, params core.ConnectParams) error {
	return a.engine.ConnectTransport(ctx, transportID, params)
}

// Produce registers a producer in the engine and indexes it. On engine
// failure nothing is indexed, so a failed produce leaves no record.
func (a *Adapter) Produce(ctx context.Context, transportID string, cid domain.ChannelID, uid domain.UserID, kind domain.MediaKind, params core.ProduceParams) (string, error) {
	id, err := a.engine.Produce(ctx, transportID, kind.PayloadKind(), params)
	if err != nil {
		return "", fmt.Errorf("produce %s: %w", kind, err)
	}
	key := producerKey{Channel: cid, User: uid, Kind: kind}
	a.mu.Lock()
	a.producers[key] = id
	a.byProducer[id] = key
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) Consume(ctx context.Context, recvTransportID, producerID string, caps core.ConsumerCaps, uid domain.UserID) (core.ConsumerInfo, error) {
	info, err := a.engine.Consume(ctx, recvTransportID, producerID, caps)
	if err != nil {
		return core.ConsumerInfo{}, fmt.Errorf("consume: %w", err)
	}
	a.mu.Lock()
	a.consumers[info.ID] = consumerRec{User: uid, ProducerID: producerID}
	a.mu.Unlock()
	return info, nil
}

func (a *Adapter) ResumeConsumer(ctx context.Context, consumerID string) error {
	return a.engine.ResumeConsumer(ctx, consumerID)
}

// Producer looks up the active producer for a slot without touching it.
// Callers broadcast closure to peers before releasing the resource.
func (a *Adapter) Producer(cid domain.ChannelID, uid domain.UserID, kind domain.MediaKind) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.producers[producerKey{Channel: cid, User: uid, Kind: kind}]
	return id, ok
}

// CloseProducer tears down a producer and every consumer attached to
// it. Returns the engine producer id, or "" when the slot was empty;
// absence is not an error.
func (a *Adapter) CloseProducer(ctx context.Context, cid domain.ChannelID, uid domain.UserID, kind domain.MediaKind) string {
	key := producerKey{Channel: cid, User: uid, Kind: kind}
	a.mu.Lock()
	id, ok := a.producers[key]
	if !ok {
		a.mu.Unlock()
		return ""
	}
	delete(a.producers, key)
	delete(a.byProducer, id)
	attached := a.takeConsumersOfLocked(id)
	a.mu.Unlock()

	for _, consumerID := range attached {
		if err := a.engine.CloseConsumer(ctx, consumerID); err != nil {
			log.Error().Err(err).Str("module", "media").Str("consumer", consumerID).Msg("close consumer")
		}
	}
	if err := a.engine.CloseProducer(ctx, id); err != nil {
		log.Error().Err(err).Str("module", "media").Str("producer", id).Msg("close producer")
	}
	return id
}

// caller holds a.mu
func (a *Adapter) takeConsumersOfLocked(producerID string) []string {
	var out []string
	for consumerID, rec := range a.consumers {
		if rec.ProducerID == producerID {
			out = append(out, consumerID)
			delete(a.consumers, consumerID)
		}
	}
	return out
}

// ProducersInChannel lists every active producer in a channel, for the
// existing-producer sync a joiner receives.
func (a *Adapter) ProducersInChannel(cid domain.ChannelID) []core.ProducerRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []core.ProducerRef
	for key, id := range a.producers {
		if key.Channel == cid {
			out = append(out, core.ProducerRef{ProducerID: id, UserID: key.User, Kind: key.Kind})
		}
	}
	return out
}

// ProducersOfUser lists a user's producers across their (single) channel.
func (a *Adapter) ProducersOfUser(uid domain.UserID) []core.ProducerRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []core.ProducerRef
	for key, id := range a.producers {
		if key.User == uid {
			out = append(out, core.ProducerRef{ProducerID: id, UserID: uid, Kind: key.Kind})
		}
	}
	return out
}

// CleanupUser closes everything a user holds in one sweep: producers,
// their attached consumers, the user's own consumers, and transports.
// Safe under partial state and on repeat calls.
func (a *Adapter) CleanupUser(ctx context.Context, uid domain.UserID) {
	a.mu.Lock()
	var producerIDs []string
	for key, id := range a.producers {
		if key.User == uid {
			delete(a.producers, key)
			delete(a.byProducer, id)
			producerIDs = append(producerIDs, id)
		}
	}
	var consumerIDs []string
	for _, id := range producerIDs {
		consumerIDs = append(consumerIDs, a.takeConsumersOfLocked(id)...)
	}
	for consumerID, rec := range a.consumers {
		if rec.User == uid {
			consumerIDs = append(consumerIDs, consumerID)
			delete(a.consumers, consumerID)
		}
	}
	transportIDs := a.transports[uid]
	delete(a.transports, uid)
	a.mu.Unlock()

	for _, id := range consumerIDs {
		if err := a.engine.CloseConsumer(ctx, id); err != nil {
			log.Error().Err(err).Str("module", "media").Str("consumer", id).Msg("cleanup consumer")
		}
	}
	for _, id := range producerIDs {
		if err := a.engine.CloseProducer(ctx, id); err != nil {
			log.Error().Err(err).Str("module", "media").Str("producer", id).Msg("cleanup producer")
		}
	}
	for _, id := range transportIDs {
		if err := a.engine.CloseTransport(ctx, id); err != nil {
			log.Error().Err(err).Str("module", "media").Str("transport", id).Msg("cleanup transport")
		}
	}
	if len(producerIDs)+len(consumerIDs)+len(transportIDs) > 0 {
		log.Info().Str("module", "media").Str("user", string(uid)).
			Int("producers", len(producerIDs)).Int("consumers", len(consumerIDs)).Int("transports", len(transportIDs)).
			Msg("cleaned up user media")
	}
}
