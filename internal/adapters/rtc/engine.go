// Package rtc implements the media engine port on top of pion/webrtc.
// Each non-empty channel gets a router; each participant gets a send
// and a recv peer connection; producer RTP is fanned out by relays.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	errUnknownTransport = errors.New("rtc: unknown transport")
	errUnknownProducer  = errors.New("rtc: unknown producer")
	errUnknownConsumer  = errors.New("rtc: unknown consumer")
	errWrongDirection   = errors.New("rtc: wrong transport direction")
)

type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration

	mu         sync.Mutex
	routers    map[domain.ChannelID]struct{}
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

type transport struct {
	id      string
	channel domain.ChannelID
	user    domain.UserID
	dir     core.TransportDirection
	pc      *webrtc.PeerConnection
	cancel  context.CancelFunc

	// pending maps client track ids to producers whose remote track
	// has not arrived yet. Send transports only.
	mu      sync.Mutex
	pending map[string]*producer
}

type producer struct {
	id        string
	kind      string
	transport *transport

	mu      sync.Mutex
	relay   *relay
	waiting map[string]*outTrack // consumers attached before the track arrived
}

type consumer struct {
	id         string
	producerID string
	transport  *transport
	ot         *outTrack
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewEngine(udpPortMin, udpPortMax uint16) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	if udpPortMin > 0 && udpPortMax >= udpPortMin {
		if err := se.SetEphemeralUDPPortRange(udpPortMin, udpPortMax); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	return &Engine{
		api:        api,
		cfg:        DefaultWebRTCConfig(),
		routers:    make(map[domain.ChannelID]struct{}),
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}, nil
}

func defaultRouterCaps() core.RouterCaps {
	return core.RouterCaps{Codecs: []core.CodecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}}
}

func codecFor(kind string) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case "audio":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case "video":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("rtc: unknown media kind %q", kind)
	}
}

func (e *Engine) CreateRouter(_ context.Context, channelID domain.ChannelID) (core.RouterCaps, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routers[channelID] = struct{}{}
	return defaultRouterCaps(), nil
}

func (e *Engine) CloseRouter(_ context.Context, channelID domain.ChannelID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, channelID)
	return nil
}

func (e *Engine) CreateTransport(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, dir core.TransportDirection) (core.TransportInfo, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return core.TransportInfo{}, fmt.Errorf("new peer connection: %w", err)
	}

	t := &transport{
		id:      uuid.NewString(),
		channel: channelID,
		user:    userID,
		dir:     dir,
		pc:      pc,
		pending: make(map[string]*producer),
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().
			Str("module", "webrtc").
			Str("transport", t.id).
			Str("ice_state", s.String()).
			Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	switch dir {
	case core.DirectionSend:
		// A sender may carry mic plus screen audio, camera plus screen.
		for i := 0; i < 2; i++ {
			for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
				if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
					Direction: webrtc.RTPTransceiverDirectionRecvonly,
				}); err != nil {
					pc.Close()
					cancel()
					return core.TransportInfo{}, fmt.Errorf("add transceiver: %w", err)
				}
			}
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			e.onTrack(tctx, t, track)
		})
	case core.DirectionRecv:
		// A datachannel bootstraps DTLS before any track is consumed.
		if _, err := pc.CreateDataChannel("ctrl", nil); err != nil {
			pc.Close()
			cancel()
			return core.TransportInfo{}, fmt.Errorf("create data channel: %w", err)
		}
	default:
		pc.Close()
		cancel()
		return core.TransportInfo{}, errWrongDirection
	}

	offer, err := e.negotiate(pc)
	if err != nil {
		pc.Close()
		cancel()
		return core.TransportInfo{}, err
	}

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	return core.TransportInfo{ID: t.id, Direction: dir, Offer: offer}, nil
}

// negotiate creates a local offer and waits for ICE gathering so the
// returned SDP carries all candidates.
func (e *Engine) negotiate(pc *webrtc.PeerConnection) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	return pc.LocalDescription().SDP, nil
}

func (e *Engine) ConnectTransport(_ context.Context, transportID string, params core.ConnectParams) error {
	t, ok := e.transport(transportID)
	if !ok {
		return errUnknownTransport
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: params.Answer}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (e *Engine) CloseTransport(_ context.Context, transportID string) error {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if ok {
		delete(e.transports, transportID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	t.cancel()
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("transport", t.id).Msg("close error")
	}
	return nil
}

func (e *Engine) transport(id string) (*transport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	return t, ok
}
