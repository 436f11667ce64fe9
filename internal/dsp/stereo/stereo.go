// Package stereo implements a mid/side stereo image enhancer: independent
// mid/side gain and an optional Haas-effect delay on the side channel for
// perceived width, operating only on 2-channel blocks (a no-op pass
// through otherwise).
package stereo

import (
	"math"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

// Enhancer is the stereo-width stage.
type Enhancer struct {
	cfg        config.StereoConfig
	sampleRate int
	delayLine  []float32
	delayPos   int
}

// New builds an Enhancer from cfg.
func New(cfg config.StereoConfig, sampleRate int) *Enhancer {
	e := &Enhancer{cfg: cfg, sampleRate: sampleRate}
	delaySamples := int(cfg.HaasMS / 1000.0 * float64(sampleRate))
	if delaySamples > 0 {
		e.delayLine = make([]float32, delaySamples)
	}
	return e
}

// Process implements dsp.Stage.
func (e *Enhancer) Process(b dsp.Block) dsp.Block {
	if !e.cfg.Enabled || b.Channels != 2 {
		return b
	}
	out := b.Clone()
	midGain := dbToLinear(e.cfg.MidGainDB)
	sideGain := dbToLinear(e.cfg.SideGainDB)

	for i := 0; i < b.Frames; i++ {
		l := b.Samples[i*2]
		r := b.Samples[i*2+1]

		mid := (l + r) * 0.5
		side := (l - r) * 0.5

		mid *= float32(midGain)
		side *= float32(sideGain)

		if len(e.delayLine) > 0 {
			delayed := e.delayLine[e.delayPos]
			e.delayLine[e.delayPos] = side
			e.delayPos = (e.delayPos + 1) % len(e.delayLine)
			side = delayed
		}

		out.Samples[i*2] = mid + side
		out.Samples[i*2+1] = mid - side
	}
	return out
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
