// Package dsp implements the real-time audio processing chain: EQ/tone →
// compressor → stereo enhancer, operating on interleaved float32 PCM
// blocks in [-1, 1]. Any stage can be bypassed via configuration, and an
// EQ engine can be swapped atomically at a block boundary.
package dsp

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps any stage's rejection of a DSPConfig so callers
// can test for a config-validation failure with errors.Is rather than
// matching on message text.
var ErrInvalidConfig = errors.New("dsp: invalid configuration")

// Block is one chunk of interleaved PCM samples in the processing domain:
// float32 in [-1, 1], `Channels` interleaved channels, `Frames` samples
// per channel.
type Block struct {
	Channels int
	Frames   int
	Samples  []float32 // len == Channels*Frames
}

// NewBlock allocates a zeroed Block of the given shape.
func NewBlock(channels, frames int) Block {
	return Block{
		Channels: channels,
		Frames:   frames,
		Samples:  make([]float32, channels*frames),
	}
}

// Clone returns a deep copy of b.
func (b Block) Clone() Block {
	out := NewBlock(b.Channels, b.Frames)
	copy(out.Samples, b.Samples)
	return out
}

// Channel returns a view-as-copy of one interleaved channel's samples.
func (b Block) Channel(ch int) []float32 {
	out := make([]float32, b.Frames)
	for i := 0; i < b.Frames; i++ {
		out[i] = b.Samples[i*b.Channels+ch]
	}
	return out
}

// SetChannel writes data back into channel ch of b (in place).
func (b Block) SetChannel(ch int, data []float32) {
	for i := 0; i < b.Frames && i < len(data); i++ {
		b.Samples[i*b.Channels+ch] = data[i]
	}
}

// Stage is one link of the processing chain. Implementations must not
// retain the input Block past the call (the caller may reuse its backing
// array) and must return a Block of the same shape.
type Stage interface {
	Process(b Block) Block
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc func(Block) Block

// Process implements Stage.
func (f StageFunc) Process(b Block) Block { return f(b) }

// Chain composes an ordered sequence of stages, each independently
// bypassable. Stage identity (bypassed) is the zero-cost pass-through
// required for the "DSP identity" testable property.
type Chain struct {
	stages []namedStage
}

type namedStage struct {
	name    string
	stage   Stage
	enabled bool
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddStage appends a stage under name, initially enabled per the enabled
// argument. Order of AddStage calls is processing order.
func (c *Chain) AddStage(name string, stage Stage, enabled bool) {
	c.stages = append(c.stages, namedStage{name: name, stage: stage, enabled: enabled})
}

// SetEnabled toggles a previously-added stage by name.
func (c *Chain) SetEnabled(name string, enabled bool) error {
	for i := range c.stages {
		if c.stages[i].name == name {
			c.stages[i].enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("dsp: no stage named %q", name)
}

// Process runs b through every enabled stage in order.
func (c *Chain) Process(b Block) Block {
	for _, s := range c.stages {
		if s.enabled {
			b = s.stage.Process(b)
		}
	}
	return b
}

// Int16ToFloat32 converts interleaved S16LE samples to the [-1,1] float32
// processing domain.
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v) / 32768.0
	}
	return out
}

// Float32ToInt16 converts processing-domain float32 samples back to
// S16LE, clamping to the representable range. Round-trip through this
// pair preserves samples to within 1/32767 per the DSP round-trip
// testable property.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767.0)
	}
	return out
}
