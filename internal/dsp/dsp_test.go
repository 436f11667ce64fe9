package dsp

import (
	"testing"

	"pgregory.net/rapid"
)

func TestChainIdentityWhenAllStagesDisabled(t *testing.T) {
	c := NewChain()
	c.AddStage("eq", StageFunc(func(b Block) Block {
		for i := range b.Samples {
			b.Samples[i] *= 2 // would be very visible if not bypassed
		}
		return b
	}), false)
	c.AddStage("compressor", StageFunc(func(b Block) Block {
		for i := range b.Samples {
			b.Samples[i] = 0
		}
		return b
	}), false)

	in := NewBlock(2, 8)
	for i := range in.Samples {
		in.Samples[i] = float32(i) / 10
	}
	want := in.Clone()

	got := c.Process(in.Clone())
	for i := range got.Samples {
		if got.Samples[i] != want.Samples[i] {
			t.Fatalf("sample %d: got %v, want %v (chain with all stages disabled must be identity)", i, got.Samples[i], want.Samples[i])
		}
	}
}

func TestChainAppliesEnabledStagesInOrder(t *testing.T) {
	c := NewChain()
	var order []string
	c.AddStage("a", StageFunc(func(b Block) Block {
		order = append(order, "a")
		return b
	}), true)
	c.AddStage("b", StageFunc(func(b Block) Block {
		order = append(order, "b")
		return b
	}), true)

	c.Process(NewBlock(1, 4))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("stage order = %v, want [a b]", order)
	}
}

func TestSetEnabledUnknownStage(t *testing.T) {
	c := NewChain()
	if err := c.SetEnabled("nope", true); err == nil {
		t.Error("SetEnabled on unknown stage: want error, got nil")
	}
}

// TestInt16RoundTrip is the DSP round-trip testable property: converting
// S16LE -> float32 -> S16LE preserves every sample to within 1/32767.
func TestInt16RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 256).Draw(rt, "n")
		in := make([]int16, n)
		for i := range in {
			in[i] = int16(rapid.IntRange(-32768, 32767).Draw(rt, "sample"))
		}

		f := Int16ToFloat32(in)
		out := Float32ToInt16(f)

		for i := range in {
			diff := int(in[i]) - int(out[i])
			if diff < 0 {
				diff = -diff
			}
			if diff > 1 {
				t.Fatalf("sample %d: in=%d out=%d diff=%d exceeds 1/32767 tolerance", i, in[i], out[i], diff)
			}
		}
	})
}

func TestBlockChannelRoundTrip(t *testing.T) {
	b := NewBlock(2, 4)
	left := []float32{0.1, 0.2, 0.3, 0.4}
	b.SetChannel(0, left)
	got := b.Channel(0)
	for i := range left {
		if got[i] != left[i] {
			t.Errorf("channel[%d] = %v, want %v", i, got[i], left[i])
		}
	}
}
