// Package compressor implements feed-forward dynamics range compression:
// threshold/ratio gain reduction with a soft knee, attack/release
// envelope smoothing in milliseconds, makeup gain, and an optional
// linked-stereo detector.
package compressor

import (
	"math"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

// Compressor is a feed-forward dynamics stage.
type Compressor struct {
	cfg        config.CompressorConfig
	sampleRate float64
	channels   int

	envelope []float64 // per-channel (or single shared value if LinkStereo)
	attack   float64
	release  float64
}

// New builds a Compressor from cfg.
func New(cfg config.CompressorConfig, sampleRate, channels int) *Compressor {
	c := &Compressor{
		cfg:        cfg,
		sampleRate: float64(sampleRate),
		channels:   channels,
		envelope:   make([]float64, channels),
	}
	c.attack = timeConstant(cfg.AttackMS, c.sampleRate)
	c.release = timeConstant(cfg.ReleaseMS, c.sampleRate)
	return c
}

func timeConstant(ms float64, sampleRate float64) float64 {
	if ms <= 0 {
		return 0
	}
	return math.Exp(-1.0 / (ms / 1000.0 * sampleRate))
}

// Process implements dsp.Stage. Gain reduction is computed per-sample in
// the dB domain from a one-pole envelope follower on the absolute input
// level, then converted back to linear and applied, with a soft clip
// guarding against makeup-gain overs.
func (c *Compressor) Process(b dsp.Block) dsp.Block {
	if !c.cfg.Enabled {
		return b
	}
	out := b.Clone()
	makeup := dbToLinear(c.cfg.MakeupDB)

	for i := 0; i < b.Frames; i++ {
		var linkedLevel float64
		if c.cfg.LinkStereo {
			for ch := 0; ch < b.Channels; ch++ {
				v := math.Abs(float64(b.Samples[i*b.Channels+ch]))
				if v > linkedLevel {
					linkedLevel = v
				}
			}
		}

		for ch := 0; ch < b.Channels && ch < len(c.envelope); ch++ {
			level := linkedLevel
			if !c.cfg.LinkStereo {
				level = math.Abs(float64(b.Samples[i*b.Channels+ch]))
			}

			coef := c.release
			if level > c.envelope[ch] {
				coef = c.attack
			}
			c.envelope[ch] = coef*c.envelope[ch] + (1-coef)*level

			gainDB := c.gainReductionDB(c.envelope[ch])
			gain := dbToLinear(gainDB) * makeup

			v := float64(b.Samples[i*b.Channels+ch]) * gain
			out.Samples[i*b.Channels+ch] = float32(softClip(v))
		}
	}
	return out
}

// gainReductionDB computes the (negative) gain reduction for an envelope
// level using a quadratic soft knee around the threshold.
func (c *Compressor) gainReductionDB(level float64) float64 {
	if level <= 0 {
		return 0
	}
	levelDB := 20 * math.Log10(level)
	threshold := c.cfg.ThresholdDB
	ratio := c.cfg.Ratio
	if ratio < 1 {
		ratio = 1
	}
	knee := c.cfg.KneeDB

	overshoot := levelDB - threshold
	switch {
	case knee > 0 && overshoot > -knee/2 && overshoot < knee/2:
		x := overshoot + knee/2
		reduction := (1/ratio - 1) * (x * x) / (2 * knee)
		return reduction
	case overshoot > 0:
		return (1/ratio - 1) * overshoot
	default:
		return 0
	}
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func softClip(v float64) float64 {
	if v > 1 {
		return 1 - 1.0/(1+3*(v-1))
	}
	if v < -1 {
		return -1 - 1.0/(1+3*(-v-1))
	}
	return v
}
