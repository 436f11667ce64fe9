package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const localSpeakerBufferFrames = 1024

// LocalSpeaker is a Sink that writes PCM directly to the host machine's
// default output device via PortAudio, for the Device Manager's optional
// non-AirPlay device.
type LocalSpeaker struct {
	log *slog.Logger

	mu       sync.Mutex
	stream   *portaudio.Stream
	buf      []float32 // fixed-size blocking-I/O buffer, len == frames*channels
	channels int
	gain     float32
	muted    bool
}

// NewLocalSpeaker returns a not-yet-open local-speaker sink.
func NewLocalSpeaker(log *slog.Logger) *LocalSpeaker {
	if log == nil {
		log = slog.Default()
	}
	return &LocalSpeaker{log: log, gain: 1.0}
}

// Open initializes PortAudio and opens a blocking output stream on the
// default device: OpenStream's buffer-argument form (rather than a
// callback) is PortAudio's blocking-I/O mode, matching the pipeline's
// own pull-one-block-at-a-time shape.
func (s *LocalSpeaker) Open(ctx context.Context, sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("sink: portaudio initialize: %w: %w", ErrSinkFailure, err)
	}

	host, err := portaudio.DefaultHostApi()
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("sink: portaudio default host api: %w: %w", ErrSinkFailure, err)
	}

	params := portaudio.LowLatencyParameters(nil, host.DefaultOutputDevice)
	params.Output.Channels = channels
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = localSpeakerBufferFrames

	buf := make([]float32, localSpeakerBufferFrames*channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("sink: portaudio open stream: %w: %w", ErrSinkFailure, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("sink: portaudio start stream: %w: %w", ErrSinkFailure, err)
	}

	s.stream = stream
	s.buf = buf
	s.channels = channels
	s.log.Info("local speaker sink opened", "rate", sampleRate, "channels", channels)
	return nil
}

// Write applies gain/mute and blocks until PortAudio accepts the data,
// chunking samples into the stream's fixed-size buffer.
func (s *LocalSpeaker) Write(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return fmt.Errorf("sink: local speaker write before open: %w", ErrSinkFailure)
	}

	for off := 0; off < len(samples); off += len(s.buf) {
		n := copy(s.buf, samples[off:])
		for i := 0; i < n; i++ {
			if s.muted {
				s.buf[i] = 0
			} else {
				s.buf[i] = samples[off+i] * s.gain
			}
		}
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0 // pad a short final chunk with silence
		}
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("sink: portaudio write: %w: %w", ErrSinkFailure, err)
		}
	}
	return nil
}

// SetVolume applies a linear 0..100 -> 0.0..1.0 gain; local speaker
// output has no receiver-side curve to negotiate.
func (s *LocalSpeaker) SetVolume(ctx context.Context, volume int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = float32(clamp(volume, 0, 100)) / 100.0
	return nil
}

// SetMute mutes or unmutes without discarding the gain setting.
func (s *LocalSpeaker) SetMute(ctx context.Context, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	return nil
}

// Close stops the stream and releases PortAudio.
func (s *LocalSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	_ = portaudio.Terminate()
	return err
}
