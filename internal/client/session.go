package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Media is the local WebRTC stack. The session drives it through the
// signaling handshake and never looks at SDP contents itself.
type Media interface {
	// AnswerTransport takes the server's offer for a new transport and
	// returns the local answer.
	AnswerTransport(transportID, offer string) (string, error)
	// AcceptOffer applies a renegotiation offer on an existing
	// transport and returns the new answer.
	AcceptOffer(transportID, offer string) (string, error)
	// StartTrack begins capturing the given media kind and returns the
	// track id the server will see.
	StartTrack(kind domain.MediaKind) (string, error)
	StopTrack(kind domain.MediaKind)
	Close()
}

// JoinInfo mirrors the server's join reply.
type JoinInfo struct {
	ChannelID         domain.ChannelID   `json:"channel_id"`
	RouterCaps        core.RouterCaps    `json:"router_caps"`
	ExistingProducers []core.ProducerRef `json:"existing_producers"`
	VoiceState        domain.VoiceState  `json:"voice_state"`
}

// Session is the client-side session state machine. Local toggles are
// re-broadcast over signaling; server corrections (force_mute, moves)
// are converged silently so the client never argues with the server.
type Session struct {
	sig   *Signaler
	media Media
	log   zerolog.Logger

	mu                sync.Mutex
	joined            bool
	channelID         domain.ChannelID
	muted             bool
	deafened          bool
	mutedBeforeDeafen bool
	mediaState        domain.MediaState

	sendTransport string
	recvTransport string
	producers     map[domain.MediaKind]string
	consumers     map[string]string // producer id -> consumer id
}

func NewSession(sig *Signaler, media Media) *Session {
	return &Session{
		sig:       sig,
		media:     media,
		log:       log.With().Str("module", "client").Logger(),
		producers: make(map[domain.MediaKind]string),
		consumers: make(map[string]string),
	}
}

// Join joins a channel, negotiates both transports and starts the mic
// producer, then consumes everything already live in the channel.
func (s *Session) Join(ctx context.Context, cid domain.ChannelID) error {
	raw, err := s.sig.Request(ctx, "join", map[string]any{"channel_id": string(cid)})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	var info JoinInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("join reply: %w", err)
	}

	s.mu.Lock()
	s.joined = true
	s.channelID = info.ChannelID
	s.muted = info.VoiceState.Muted
	s.deafened = info.VoiceState.Deafened
	s.mu.Unlock()

	if err := s.negotiateTransports(ctx); err != nil {
		// A half-negotiated session is not retryable in place; the
		// caller recovers with leave + rejoin.
		s.Leave()
		return err
	}

	if err := s.produce(ctx, domain.MediaAudio); err != nil {
		s.log.Error().Err(err).Msg("mic produce failed")
	}

	for _, ref := range info.ExistingProducers {
		if err := s.consume(ctx, ref); err != nil {
			s.log.Error().Err(err).Str("producer", ref.ProducerID).Msg("consume existing producer failed")
		}
	}
	return nil
}

func (s *Session) negotiateTransports(ctx context.Context) error {
	send, err := s.createTransport(ctx, "send")
	if err != nil {
		return err
	}
	recv, err := s.createTransport(ctx, "recv")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sendTransport = send
	s.recvTransport = recv
	s.mu.Unlock()
	return nil
}

func (s *Session) createTransport(ctx context.Context, direction string) (string, error) {
	raw, err := s.sig.Request(ctx, "create_transport", map[string]any{"direction": direction})
	if err != nil {
		return "", fmt.Errorf("create %s transport: %w", direction, err)
	}
	var info core.TransportInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", fmt.Errorf("transport reply: %w", err)
	}

	answer, err := s.media.AnswerTransport(info.ID, info.Offer)
	if err != nil {
		return "", fmt.Errorf("answer %s transport: %w", direction, err)
	}
	_, err = s.sig.Request(ctx, "connect_transport", map[string]any{
		"transport_id": info.ID,
		"params":       core.ConnectParams{Answer: answer},
	})
	if err != nil {
		return "", fmt.Errorf("connect %s transport: %w", direction, err)
	}
	return info.ID, nil
}

func (s *Session) produce(ctx context.Context, kind domain.MediaKind) error {
	s.mu.Lock()
	transport := s.sendTransport
	_, exists := s.producers[kind]
	s.mu.Unlock()
	if exists {
		return nil
	}
	if transport == "" {
		return fmt.Errorf("produce %s: no send transport", kind)
	}

	trackID, err := s.media.StartTrack(kind)
	if err != nil {
		return fmt.Errorf("start %s track: %w", kind, err)
	}

	raw, err := s.sig.Request(ctx, "produce", map[string]any{
		"transport_id": transport,
		"media_type":   string(kind),
		"params":       core.ProduceParams{TrackID: trackID},
	})
	if err != nil {
		s.media.StopTrack(kind)
		return fmt.Errorf("produce %s: %w", kind, err)
	}
	var rep struct {
		ProducerID string `json:"producer_id"`
	}
	if err := json.Unmarshal(raw, &rep); err != nil {
		return fmt.Errorf("produce reply: %w", err)
	}

	s.mu.Lock()
	s.producers[kind] = rep.ProducerID
	s.mu.Unlock()
	return nil
}

func (s *Session) consume(ctx context.Context, ref core.ProducerRef) error {
	s.mu.Lock()
	recv := s.recvTransport
	s.mu.Unlock()
	if recv == "" {
		return fmt.Errorf("consume: no recv transport")
	}

	raw, err := s.sig.Request(ctx, "consume", map[string]any{
		"producer_id": ref.ProducerID,
		"caps":        core.ConsumerCaps{},
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	var info core.ConsumerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("consume reply: %w", err)
	}

	if info.Offer != "" {
		answer, err := s.media.AcceptOffer(recv, info.Offer)
		if err != nil {
			return fmt.Errorf("renegotiate recv transport: %w", err)
		}
		_, err = s.sig.Request(ctx, "connect_transport", map[string]any{
			"transport_id": recv,
			"params":       core.ConnectParams{Answer: answer},
		})
		if err != nil {
			return fmt.Errorf("reconnect recv transport: %w", err)
		}
	}

	if _, err := s.sig.Request(ctx, "resume_consumer", map[string]any{"consumer_id": info.ID}); err != nil {
		return fmt.Errorf("resume consumer: %w", err)
	}

	s.mu.Lock()
	s.consumers[ref.ProducerID] = info.ID
	s.mu.Unlock()
	return nil
}

// Leave tears the session down locally and tells the server. Safe to
// call twice.
func (s *Session) Leave() {
	s.mu.Lock()
	wasJoined := s.joined
	s.joined = false
	s.channelID = ""
	s.sendTransport = ""
	s.recvTransport = ""
	kinds := make([]domain.MediaKind, 0, len(s.producers))
	for kind := range s.producers {
		kinds = append(kinds, kind)
	}
	s.producers = make(map[domain.MediaKind]string)
	s.consumers = make(map[string]string)
	s.mediaState = domain.MediaState{}
	s.mu.Unlock()

	for _, kind := range kinds {
		s.media.StopTrack(kind)
	}
	if wasJoined {
		if err := s.sig.Fire("leave", nil); err != nil {
			s.log.Debug().Err(err).Msg("leave send failed")
		}
	}
}

// ToggleMute flips the mute flag. Toggling while deafened first
// un-deafens, then applies the toggled value.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	if s.deafened {
		s.deafened = false
		s.muted = !s.muted
	} else {
		s.muted = !s.muted
	}
	muted, deafened := s.muted, s.deafened
	s.mu.Unlock()
	s.sendVoiceState(muted, deafened)
}

// ToggleDeafen flips deafen. Deafening forces mute and remembers the
// prior flag; un-deafening restores it.
func (s *Session) ToggleDeafen() {
	s.mu.Lock()
	if s.deafened {
		s.deafened = false
		s.muted = s.mutedBeforeDeafen
	} else {
		s.mutedBeforeDeafen = s.muted
		s.deafened = true
		s.muted = true
	}
	muted, deafened := s.muted, s.deafened
	s.mu.Unlock()
	s.sendVoiceState(muted, deafened)
}

func (s *Session) sendVoiceState(muted, deafened bool) {
	if err := s.sig.Fire("voice_state_update", map[string]any{
		"muted":    muted,
		"deafened": deafened,
	}); err != nil {
		s.log.Debug().Err(err).Msg("voice state send failed")
	}
}

func (s *Session) sendMediaState(ms domain.MediaState) {
	if err := s.sig.Fire("media_state_update", map[string]any{
		"camera_on":      ms.CameraOn,
		"screen_sharing": ms.ScreenSharing,
	}); err != nil {
		s.log.Debug().Err(err).Msg("media state send failed")
	}
}

// Speaking reports a speaking-detector transition to the server.
func (s *Session) Speaking(speaking bool) {
	if err := s.sig.Fire("speaking", map[string]any{"speaking": speaking}); err != nil {
		s.log.Debug().Err(err).Msg("speaking send failed")
	}
}

func (s *Session) ProduceVideo(ctx context.Context) error {
	if err := s.produce(ctx, domain.MediaVideo); err != nil {
		return err
	}
	s.mu.Lock()
	s.mediaState.CameraOn = true
	ms := s.mediaState
	s.mu.Unlock()
	s.sendMediaState(ms)
	return nil
}

func (s *Session) StopVideo() {
	s.closeProducer(domain.MediaVideo)
	s.mu.Lock()
	s.mediaState.CameraOn = false
	ms := s.mediaState
	s.mu.Unlock()
	s.sendMediaState(ms)
}

func (s *Session) ProduceScreenShare(ctx context.Context) error {
	if err := s.produce(ctx, domain.MediaScreen); err != nil {
		return err
	}
	// Screen audio is best effort; not every source exposes it.
	if err := s.produce(ctx, domain.MediaScreenAudio); err != nil {
		s.log.Debug().Err(err).Msg("screen audio unavailable")
	}
	s.mu.Lock()
	s.mediaState.ScreenSharing = true
	ms := s.mediaState
	s.mu.Unlock()
	s.sendMediaState(ms)
	return nil
}

func (s *Session) StopScreenShare() {
	s.closeProducer(domain.MediaScreen)
	s.closeProducer(domain.MediaScreenAudio)
	s.mu.Lock()
	s.mediaState.ScreenSharing = false
	ms := s.mediaState
	s.mu.Unlock()
	s.sendMediaState(ms)
}

func (s *Session) closeProducer(kind domain.MediaKind) {
	s.mu.Lock()
	_, ok := s.producers[kind]
	delete(s.producers, kind)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.media.StopTrack(kind)
	if err := s.sig.Fire("close_producer", map[string]any{"media_type": string(kind)}); err != nil {
		s.log.Debug().Err(err).Msg("close producer send failed")
	}
}

// VoiceState returns the current local flags.
func (s *Session) VoiceState() domain.VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.VoiceState{Muted: s.muted, Deafened: s.deafened}
}

func (s *Session) MediaState() domain.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaState
}

func (s *Session) Channel() (domain.ChannelID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID, s.joined
}

// Run applies server events until the context ends or the signaler
// closes.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sig.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev core.Event) {
	data, ok := ev.Data.(json.RawMessage)
	if !ok {
		return
	}
	switch ev.Op {
	case core.OpNewProducer:
		var d core.NewProducerData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		if err := s.consume(ctx, d.ProducerRef); err != nil {
			s.log.Error().Err(err).Str("producer", d.ProducerID).Msg("consume new producer failed")
		}
	case core.OpProducerClosed:
		var d core.ProducerClosedData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		s.mu.Lock()
		delete(s.consumers, d.ProducerID)
		s.mu.Unlock()
	case core.OpForceMute:
		var d core.ForceMuteData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		// Converge silently, no re-broadcast.
		s.mu.Lock()
		s.muted = d.Muted
		s.mu.Unlock()
	case core.OpForceMedia:
		var d core.ForceMediaData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		s.applyForcedMedia(d.MediaState)
	case core.OpMove, core.OpAfkMove:
		var d core.MoveData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		s.converge(ctx, d, ev.Op == core.OpAfkMove)
	}
}

func (s *Session) applyForcedMedia(ms domain.MediaState) {
	s.mu.Lock()
	stopCamera := s.mediaState.CameraOn && !ms.CameraOn
	stopScreen := s.mediaState.ScreenSharing && !ms.ScreenSharing
	s.mediaState = ms
	delete(s.producers, domain.MediaVideo)
	delete(s.producers, domain.MediaScreen)
	delete(s.producers, domain.MediaScreenAudio)
	s.mu.Unlock()

	if stopCamera {
		s.media.StopTrack(domain.MediaVideo)
	}
	if stopScreen {
		s.media.StopTrack(domain.MediaScreen)
		s.media.StopTrack(domain.MediaScreenAudio)
	}
}

// converge follows a server-initiated relocation. The server already
// tore down the old transports, so the session renegotiates from
// scratch without re-emitting any state updates, then consumes the
// destination's producers delivered with the event.
func (s *Session) converge(ctx context.Context, d core.MoveData, afk bool) {
	s.mu.Lock()
	s.channelID = d.ChannelID
	if afk {
		s.muted = true
		s.mediaState = domain.MediaState{}
	}
	kinds := make([]domain.MediaKind, 0, len(s.producers))
	for kind := range s.producers {
		kinds = append(kinds, kind)
	}
	s.producers = make(map[domain.MediaKind]string)
	s.consumers = make(map[string]string)
	s.sendTransport = ""
	s.recvTransport = ""
	s.mu.Unlock()

	for _, kind := range kinds {
		s.media.StopTrack(kind)
	}

	if err := s.negotiateTransports(ctx); err != nil {
		s.log.Error().Err(err).Str("channel", string(d.ChannelID)).Msg("renegotiation after move failed")
		return
	}
	if !afk {
		if err := s.produce(ctx, domain.MediaAudio); err != nil {
			s.log.Error().Err(err).Msg("mic produce after move failed")
		}
	}
	for _, ref := range d.Producers {
		if err := s.consume(ctx, ref); err != nil {
			s.log.Error().Err(err).Str("producer", ref.ProducerID).Msg("consume after move failed")
		}
	}
}
