// Package pipeline holds the typed sentinel errors shared by the
// Downloader and Decoder stages, so a Virtual Device's session can
// classify a failed pipeline run with errors.Is instead of matching on
// message text.
package pipeline

import "errors"

// ErrUpstreamFetch indicates the Downloader's subprocess failed to pull
// the source URL (non-zero exit, start failure, or a buffer-gate timeout
// that leaves a session with nothing to decode).
var ErrUpstreamFetch = errors.New("pipeline: upstream fetch failed")

// ErrDecoderFailure indicates the Decoder's subprocess could not be set
// up (stdout pipe or start failure). Its exit status and block reads are
// returned unwrapped.
var ErrDecoderFailure = errors.New("pipeline: decoder failed")
