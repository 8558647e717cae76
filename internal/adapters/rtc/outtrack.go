package rtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type trackState int32

const (
	// Consumers start paused and only receive RTP after an explicit resume.
	trackStatePaused trackState = iota
	trackStateLive
	trackStateClosed
)

// outTrack is a single outgoing copy of a producer's stream, bound to
// one consumer's recv transport.
type outTrack struct {
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	state  atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) *outTrack {
	return &outTrack{track: track, sender: sender}
}

func (ot *outTrack) getState() trackState {
	return trackState(ot.state.Load())
}

func (ot *outTrack) markLive() {
	ot.state.Store(int32(trackStateLive))
}

func (ot *outTrack) markClosed() {
	ot.state.Store(int32(trackStateClosed))
}
