package client

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"
)

// FrameSource yields mono PCM frames from the capture device.
type FrameSource interface {
	SampleRate() int
	ReadFrame() ([]float32, error)
}

// GainStage scales samples in place.
type GainStage struct {
	Gain float32
}

func (g *GainStage) Apply(frame []float32) {
	if g == nil || g.Gain == 1 {
		return
	}
	for i := range frame {
		frame[i] *= g.Gain
	}
}

// NoiseGate zeroes a frame whose RMS falls below the threshold. Optional.
type NoiseGate struct {
	Threshold float64
}

func (n *NoiseGate) Apply(frame []float32) {
	if n == nil {
		return
	}
	if rms(frame) >= n.Threshold {
		return
	}
	for i := range frame {
		frame[i] = 0
	}
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// SpeakingDetector measures amplitude over ~100 ms windows and reports
// transitions across the threshold.
type SpeakingDetector struct {
	Threshold float64

	windowSamples int
	sumSquares    float64
	count         int
	speaking      bool
	onChange      func(speaking bool)
}

func NewSpeakingDetector(sampleRate int, threshold float64, onChange func(bool)) *SpeakingDetector {
	return &SpeakingDetector{
		Threshold:     threshold,
		windowSamples: sampleRate / 10,
		onChange:      onChange,
	}
}

func (d *SpeakingDetector) Feed(frame []float32) {
	for _, s := range frame {
		d.sumSquares += float64(s) * float64(s)
		d.count++
		if d.count >= d.windowSamples {
			d.flush()
		}
	}
}

func (d *SpeakingDetector) flush() {
	level := math.Sqrt(d.sumSquares / float64(d.count))
	d.sumSquares = 0
	d.count = 0

	speaking := level >= d.Threshold
	if speaking != d.speaking {
		d.speaking = speaking
		if d.onChange != nil {
			d.onChange(speaking)
		}
	}
}

// Pipeline wires source → gain → gate → detector. The processed frames
// are what the send transport's audio track carries; the detector side
// channel drives the speaking flag.
type Pipeline struct {
	Source   FrameSource
	Gain     *GainStage
	Gate     *NoiseGate
	Detector *SpeakingDetector
}

func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, err := p.Source.ReadFrame()
		if err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("audio source stopped")
			return err
		}
		p.Gain.Apply(frame)
		p.Gate.Apply(frame)
		if p.Detector != nil {
			p.Detector.Feed(frame)
		}
	}
}
