package eq

import (
	"math"
	"math/cmplx"

	gofft "github.com/mjibson/go-dsp/fft"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
)

// FFT is a frequency-domain EQ engine: the configured bands are combined
// into one linear-phase FIR kernel via the frequency-sampling method, then
// applied to each block with FFT-based overlap-save convolution. Adds
// roughly kernelLen/2 samples of latency, traded for sharper transition
// bands than the IIR engine at the same band count.
type FFT struct {
	sampleRate float64
	channels   int
	kernelLen  int
	kernel     []float64

	fftSize   int
	kernelFFT []complex128
	history   [][]float64 // per channel, last kernelLen-1 input samples
}

// NewFFT designs a kernel of length blockSize (rounded up to odd) encoding
// the combined response of bands, and returns a ready-to-run engine.
func NewFFT(bands []config.Band, sampleRate, channels, blockSize int) (*FFT, error) {
	kernelLen := blockSize
	if kernelLen%2 == 0 {
		kernelLen++
	}
	e := &FFT{
		sampleRate: float64(sampleRate),
		channels:   channels,
		kernelLen:  kernelLen,
	}
	e.kernel = designKernel(bands, e.sampleRate, kernelLen)
	e.history = make([][]float64, channels)
	for ch := range e.history {
		e.history[ch] = make([]float64, kernelLen-1)
	}
	return e, nil
}

// designKernel builds a real, linear-phase FIR kernel of length n whose
// magnitude response approximates the product of each band's biquad
// response, via the frequency-sampling method: sample the desired
// magnitude at n points, inverse-transform, centre, and window.
func designKernel(bands []config.Band, sampleRate float64, n int) []float64 {
	spectrum := make([]complex128, n)
	for k := 0; k < n; k++ {
		freq := float64(k) * sampleRate / float64(n)
		if k > n/2 {
			freq = float64(n-k) * sampleRate / float64(n)
		}
		mag := 1.0
		for _, b := range bands {
			mag *= biquadMagnitude(b, sampleRate, freq)
		}
		spectrum[k] = complex(mag, 0)
	}

	timeDomain := gofft.IFFT(spectrum)

	half := (n - 1) / 2
	kernel := make([]float64, n)
	for i := 0; i < n; i++ {
		// Circularly shift so the (symmetric, zero-phase) response
		// becomes causal, centred at index `half`.
		src := (i - half + n) % n
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1)) // Hann
		kernel[i] = real(timeDomain[src]) * w
	}
	return kernel
}

// biquadMagnitude evaluates |H(e^jw)| for the RBJ biquad built from band
// at angular frequency corresponding to freq Hz.
func biquadMagnitude(band config.Band, sampleRate, freq float64) float64 {
	bq := newBiquad(band, sampleRate)
	w := 2 * math.Pi * freq / sampleRate
	z1 := cmplx.Exp(complex(0, -w))
	z2 := cmplx.Exp(complex(0, -2*w))
	num := complex(bq.b0, 0) + complex(bq.b1, 0)*z1 + complex(bq.b2, 0)*z2
	den := complex(1, 0) + complex(bq.a1, 0)*z1 + complex(bq.a2, 0)*z2
	return cmplx.Abs(num / den)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (e *FFT) ensureFFTSize(blockFrames int) {
	need := nextPow2(e.kernelLen - 1 + blockFrames)
	if need == e.fftSize {
		return
	}
	e.fftSize = need
	padded := make([]complex128, need)
	for i, v := range e.kernel {
		padded[i] = complex(v, 0)
	}
	e.kernelFFT = gofft.FFT(padded)
}

// Process implements dsp.Stage via overlap-save convolution.
func (e *FFT) Process(b dsp.Block) dsp.Block {
	if len(e.kernel) == 0 || b.Frames == 0 {
		return b
	}
	e.ensureFFTSize(b.Frames)

	out := b.Clone()
	segLen := e.kernelLen - 1 + b.Frames

	for ch := 0; ch < b.Channels && ch < len(e.history); ch++ {
		seg := make([]complex128, e.fftSize)
		hist := e.history[ch]
		for i, v := range hist {
			seg[i] = complex(v, 0)
		}
		for i := 0; i < b.Frames; i++ {
			seg[len(hist)+i] = complex(float64(b.Samples[i*b.Channels+ch]), 0)
		}

		spectrum := gofft.FFT(seg)
		for i := range spectrum {
			spectrum[i] *= e.kernelFFT[i]
		}
		conv := gofft.IFFT(spectrum)

		validStart := e.kernelLen - 1
		for i := 0; i < b.Frames; i++ {
			out.Samples[i*b.Channels+ch] = float32(real(conv[validStart+i]))
		}

		newHistStart := segLen - len(hist)
		for i := range hist {
			if newHistStart+i < segLen {
				hist[i] = real(seg[newHistStart+i])
			}
		}
	}
	return out
}
