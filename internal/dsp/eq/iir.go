package eq

import (
	"math"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

// biquad is one Direct Form I second-order section, coefficients per the
// Audio EQ Cookbook (peaking, low-shelf, high-shelf).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

func (bq *biquad) reset() {
	bq.x1, bq.x2, bq.y1, bq.y2 = 0, 0, 0, 0
}

func (bq *biquad) step(x float64) float64 {
	y := bq.b0*x + bq.b1*bq.x1 + bq.b2*bq.x2 - bq.a1*bq.y1 - bq.a2*bq.y2
	bq.x2, bq.x1 = bq.x1, x
	bq.y2, bq.y1 = bq.y1, y
	return y
}

func newBiquad(band config.Band, sampleRate float64) biquad {
	freq := band.FreqHz
	if freq <= 0 {
		freq = 1000
	}
	q := band.Q
	if q <= 0 {
		q = 0.707
	}
	gainDB := band.GainDB

	w0 := 2 * math.Pi * freq / sampleRate
	cosw0 := math.Cos(w0)
	sinw0 := math.Sin(w0)
	alpha := sinw0 / (2 * q)
	A := math.Pow(10, gainDB/40)

	var b0, b1, b2, a0, a1, a2 float64

	switch band.Type {
	case "lowshelf":
		sqrtA := math.Sqrt(A)
		b0 = A * ((A + 1) - (A-1)*cosw0 + 2*sqrtA*alpha)
		b1 = 2 * A * ((A - 1) - (A+1)*cosw0)
		b2 = A * ((A + 1) - (A-1)*cosw0 - 2*sqrtA*alpha)
		a0 = (A + 1) + (A-1)*cosw0 + 2*sqrtA*alpha
		a1 = -2 * ((A - 1) + (A+1)*cosw0)
		a2 = (A + 1) + (A-1)*cosw0 - 2*sqrtA*alpha
	case "highshelf":
		sqrtA := math.Sqrt(A)
		b0 = A * ((A + 1) + (A-1)*cosw0 + 2*sqrtA*alpha)
		b1 = -2 * A * ((A - 1) + (A+1)*cosw0)
		b2 = A * ((A + 1) + (A-1)*cosw0 - 2*sqrtA*alpha)
		a0 = (A + 1) - (A-1)*cosw0 + 2*sqrtA*alpha
		a1 = 2 * ((A - 1) - (A+1)*cosw0)
		a2 = (A + 1) - (A-1)*cosw0 - 2*sqrtA*alpha
	default: // "peaking"
		b0 = 1 + alpha*A
		b1 = -2 * cosw0
		b2 = 1 - alpha*A
		a0 = 1 + alpha/A
		a1 = -2 * cosw0
		a2 = 1 - alpha/A
	}

	return biquad{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: a1 / a0, a2: a2 / a0,
	}
}

// IIR is a cascaded-biquad EQ engine: zero added latency, one section per
// configured band, one cascade per channel so each channel keeps its own
// filter state.
type IIR struct {
	sampleRate float64
	channels   int
	bands      []config.Band
	sections   [][]biquad // per channel
}

// NewIIR builds a cascaded-biquad engine for the given bands.
func NewIIR(bands []config.Band, sampleRate, channels int) (*IIR, error) {
	e := &IIR{sampleRate: float64(sampleRate), channels: channels, bands: bands}
	e.rebuild()
	return e, nil
}

func (e *IIR) rebuild() {
	e.sections = make([][]biquad, e.channels)
	for ch := range e.sections {
		secs := make([]biquad, len(e.bands))
		for i, b := range e.bands {
			secs[i] = newBiquad(b, e.sampleRate)
		}
		e.sections[ch] = secs
	}
}

// Process implements dsp.Stage.
func (e *IIR) Process(b dsp.Block) dsp.Block {
	if len(e.bands) == 0 {
		return b
	}
	out := b.Clone()
	for ch := 0; ch < b.Channels && ch < len(e.sections); ch++ {
		for i := 0; i < b.Frames; i++ {
			idx := i*b.Channels + ch
			x := float64(out.Samples[idx])
			for s := range e.sections[ch] {
				x = e.sections[ch][s].step(x)
			}
			out.Samples[idx] = float32(x)
		}
	}
	return out
}
