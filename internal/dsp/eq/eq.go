// Package eq implements the tone/equalizer stage behind one interface,
// with three interchangeable engines (iir, fft, fir) selectable by
// configuration and swappable atomically at a block boundary.
package eq

import (
	"fmt"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

// Engine is one EQ implementation. All three satisfy dsp.Stage.
type Engine interface {
	dsp.Stage
}

// New constructs the Engine named by cfg.Engine ("iir", "fft", or "fir").
func New(cfg config.EQConfig, sampleRate, channels int) (Engine, error) {
	switch cfg.Engine {
	case "", "iir":
		return NewIIR(cfg.Bands, sampleRate, channels)
	case "fft":
		blockSize := cfg.BlockSize
		if blockSize <= 0 {
			blockSize = 2048
		}
		return NewFFT(cfg.Bands, sampleRate, channels, blockSize)
	case "fir":
		taps := cfg.Taps
		if taps <= 0 {
			taps = 255
		}
		return NewFIR(cfg.Bands, sampleRate, channels, taps)
	default:
		return nil, fmt.Errorf("eq: unknown engine %q: %w", cfg.Engine, dsp.ErrInvalidConfig)
	}
}
