package rtc

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// relay reads RTP from one producer's remote track and fans it out to
// the out tracks of every attached consumer.
type relay struct {
	src *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[string]*outTrack // keyed by consumer id

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *relay {
	return &relay{
		src:       src,
		outTracks: make(map[string]*outTrack),
		cancel:    cancel,
	}
}

func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks closed")
			r.markAllClosed()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllClosed()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*outTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.getState() {
		case trackStateClosed:
			dirty = append(dirty, consumerID)
		case trackStatePaused:
		case trackStateLive:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer_id", consumerID).
					Msg("relay write RTP error, closing out track")
				ot.markClosed()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupClosed(dirty)
	}
}

func (r *relay) cleanupClosed(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *relay) markAllClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markClosed()
	}
}

func (r *relay) addOutTrack(consumerID string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *relay) removeOutTrack(consumerID string) {
	r.mu.Lock()
	ot, ok := r.outTracks[consumerID]
	if ok {
		delete(r.outTracks, consumerID)
	}
	r.mu.Unlock()
	if ok {
		ot.markClosed()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllClosed()
}
