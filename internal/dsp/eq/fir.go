package eq

import (
	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

// FIR is a direct-form linear-phase EQ engine: the same frequency-sampling
// kernel design as the FFT engine, applied by direct time-domain
// convolution instead of block FFTs. Cheaper per-sample for short kernels,
// with latency fixed at (taps-1)/2 samples.
type FIR struct {
	taps    []float64
	history [][]float64 // per channel, the last len(taps)-1 inputs, oldest first
	pos     []int
}

// NewFIR designs a kernel with the given odd tap count.
func NewFIR(bands []config.Band, sampleRate, channels, taps int) (*FIR, error) {
	if taps%2 == 0 {
		taps++
	}
	e := &FIR{
		taps:    designKernel(bands, float64(sampleRate), taps),
		history: make([][]float64, channels),
		pos:     make([]int, channels),
	}
	for ch := range e.history {
		e.history[ch] = make([]float64, len(e.taps)-1)
	}
	return e, nil
}

// Process implements dsp.Stage via direct-form convolution with a shift
// buffer holding each channel's filter state between blocks.
func (e *FIR) Process(b dsp.Block) dsp.Block {
	if len(e.taps) == 0 {
		return b
	}
	out := b.Clone()
	histLen := len(e.taps) - 1

	for ch := 0; ch < b.Channels && ch < len(e.history); ch++ {
		hist := e.history[ch]
		for i := 0; i < b.Frames; i++ {
			x := float64(b.Samples[i*b.Channels+ch])

			var acc float64
			acc += e.taps[0] * x
			for t := 1; t < len(e.taps); t++ {
				srcIdx := histLen - t
				if srcIdx >= 0 {
					acc += e.taps[t] * hist[srcIdx]
				}
			}
			out.Samples[i*b.Channels+ch] = float32(acc)

			if histLen > 0 {
				copy(hist, hist[1:])
				hist[histLen-1] = x
			}
		}
	}
	return out
}
