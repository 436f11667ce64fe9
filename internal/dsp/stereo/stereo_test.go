package stereo

import (
	"testing"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

func TestDisabledIsIdentity(t *testing.T) {
	e := New(config.StereoConfig{Enabled: false}, 44100)
	in := dsp.NewBlock(2, 4)
	in.Samples = []float32{0.5, -0.2, 0.1, 0.1, -0.3, 0.3, 0.8, -0.8}
	out := e.Process(in.Clone())
	for i := range out.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("sample %d: disabled enhancer changed signal", i)
		}
	}
}

func TestMonoCompatibleSignalUnaffectedBySideGain(t *testing.T) {
	cfg := config.StereoConfig{Enabled: true, MidGainDB: 0, SideGainDB: -100}
	e := New(cfg, 44100)

	in := dsp.NewBlock(2, 4)
	for i := 0; i < 4; i++ {
		in.Samples[i*2] = 0.5
		in.Samples[i*2+1] = 0.5 // identical L/R -> zero side energy
	}
	out := e.Process(in)
	for i := 0; i < 4; i++ {
		l := out.Samples[i*2]
		r := out.Samples[i*2+1]
		if l < 0.49 || l > 0.51 || r < 0.49 || r > 0.51 {
			t.Errorf("frame %d: L=%v R=%v, want ~0.5/0.5 (mono content unaffected by side gain)", i, l, r)
		}
	}
}

func TestNonStereoBlockPassesThrough(t *testing.T) {
	e := New(config.StereoConfig{Enabled: true, MidGainDB: 6}, 44100)
	in := dsp.NewBlock(1, 4)
	in.Samples = []float32{0.1, 0.2, 0.3, 0.4}
	out := e.Process(in.Clone())
	for i := range out.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("mono block must pass through unchanged, sample %d differs", i)
		}
	}
}

func TestHaasDelayShiftsSideChannel(t *testing.T) {
	cfg := config.StereoConfig{Enabled: true, HaasMS: 1}
	e := New(cfg, 1000) // 1 sample = 1ms at 1kHz
	if len(e.delayLine) != 1 {
		t.Fatalf("delayLine length = %d, want 1", len(e.delayLine))
	}

	// Frame 0 is L=1,R=0 (mid 0.5, side 0.5), frame 1 is silent: with a
	// one-sample delay the side component shows up one frame late.
	in := dsp.NewBlock(2, 2)
	in.Samples[0] = 1
	out := e.Process(in)
	want := []float32{0.5, 0.5, 0.5, -0.5}
	for i := range want {
		if out.Samples[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, out.Samples[i], want[i])
		}
	}
}
