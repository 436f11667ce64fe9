// Package sink implements the bridge's polymorphic audio output: an
// AirPlay streamer or a local-speaker writer, behind one capability set.
package sink

import (
	"context"
	"errors"
)

// ErrSinkFailure wraps any failure opening, writing to, or controlling a
// Sink, so callers can classify a session's end-of-life reason with
// errors.Is instead of matching on message text.
var ErrSinkFailure = errors.New("sink: operation failed")

// Sink is the capability set every audio output variant implements.
// Implementations are not safe for concurrent use from multiple
// goroutines; the owning Virtual Device serializes calls.
type Sink interface {
	// Open negotiates the sink's session (AirPlay connect, or opening the
	// local audio device) at the given sample rate/channel count.
	Open(ctx context.Context, sampleRate, channels int) error

	// Write delivers one block of interleaved float32 PCM samples in
	// [-1, 1]. It blocks until the sink has accepted the data or the
	// sink's own pacing applies backpressure.
	Write(ctx context.Context, samples []float32) error

	// SetVolume maps a 0..100 bridge-side volume to the sink's native
	// scale.
	SetVolume(ctx context.Context, volume int) error

	// SetMute mutes or unmutes without discarding the volume setting.
	SetMute(ctx context.Context, muted bool) error

	// Close tears the session down. Idempotent.
	Close() error
}

// Kind identifies which Sink variant a Virtual Device owns.
type Kind string

const (
	KindAirPlay      Kind = "airplay"
	KindLocalSpeaker Kind = "local_speaker"
)
