package virtualdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
	"github.com/nonu1l/unairplay/internal/pipeline"
	"github.com/nonu1l/unairplay/internal/pipeline/decoder"
	"github.com/nonu1l/unairplay/internal/pipeline/downloader"
)

var (
	errBufferGateTimeout   = fmt.Errorf("virtualdevice: buffer gate timed out: %w", pipeline.ErrUpstreamFetch)
	errBufferGateShortFile = fmt.Errorf("virtualdevice: download finished short of buffer gate: %w", pipeline.ErrUpstreamFetch)
)

// playSession owns one Downloader + Decoder + Sink pipeline run, from
// start through natural end-of-track, Stop, or supersede.
type playSession struct {
	dev         *Device
	ctx         context.Context
	cancel      context.CancelFunc
	uri         string
	seekSeconds float64
	sessionID   int64
	cachePath   string

	dl  *downloader.Downloader
	dec *decoder.Decoder

	pausedGate atomic.Value // chan struct{}, closed when not paused
	started    atomic.Bool  // true once the Sink has accepted the first block

	downloadComplete atomic.Bool
	reusedCache      bool // cachePath is an inherited, already-complete download

	// externalTeardown is set by teardownCurrentSession when an outside
	// command (Stop, Play, Seek, shutdown) is tearing this session down,
	// as opposed to the session reaching EOF or failing on its own. Only
	// in that case can the cache file still be claimed for reuse, so
	// teardown leaves a completed download's file on disk for the caller
	// to decide; any other exit always deletes it.
	externalTeardown atomic.Bool

	done chan struct{}
	once sync.Once
}

// newPlaySession builds the session for one Play/Seek. If reuseCachePath
// is non-empty, the prior session's (fully downloaded) cache file is
// adopted directly and no Downloader is spawned for this session — only
// the Decoder, seeking into it with -ss.
func newPlaySession(dev *Device, ctx context.Context, cancel context.CancelFunc, uri string, seekSeconds float64, sessionID int64, reuseCachePath string) *playSession {
	s := &playSession{
		dev:         dev,
		ctx:         ctx,
		cancel:      cancel,
		uri:         uri,
		seekSeconds: seekSeconds,
		sessionID:   sessionID,
		done:        make(chan struct{}),
	}
	if reuseCachePath != "" {
		s.cachePath = reuseCachePath
		s.reusedCache = true
		s.downloadComplete.Store(true)
	} else {
		s.cachePath = cacheFilePath(dev.cfg.CacheDir, dev.id, sessionID)
	}
	open := make(chan struct{})
	close(open)
	s.pausedGate.Store(open)
	return s
}

func (s *playSession) pause() {
	gate := make(chan struct{}) // not closed: blocks readers until resume
	s.pausedGate.Store(gate)
}

func (s *playSession) resume() {
	open := make(chan struct{})
	close(open)
	s.pausedGate.Store(open)
}

func (s *playSession) waitIfPaused() {
	gate := s.pausedGate.Load().(chan struct{})
	select {
	case <-gate:
	case <-s.ctx.Done():
	}
}

// cachePathIfDownloadComplete reports this session's cache file path only
// if the Downloader finished without error, letting a subsequent Seek
// decide whether to reuse it instead of restarting the fetch. Must only
// be called after the session has been torn down (teardownCurrentSession
// does so), since that is what keeps teardown from deleting the file out
// from under the caller.
func (s *playSession) cachePathIfDownloadComplete() string {
	if s.downloadComplete.Load() {
		return s.cachePath
	}
	return ""
}

// run drives the pipeline to completion, publishing PLAYING on first block
// (startSession has already published TRANSITIONING) and STOPPED (with a
// reason) on any terminal condition.
// Always closes s.done and cleans up its cache file and subprocesses on
// every exit path.
func (s *playSession) run() {
	defer close(s.done)
	defer s.teardown()

	dev := s.dev
	pcfg := dev.cfg.PipelineConf

	dlDone := make(chan error, 1)
	if s.reusedCache {
		close(dlDone) // no Downloader this session; the reused file is already complete
	} else {
		s.dl = mustNewDownloader(dev, s)
		go func() { dlDone <- s.dl.Run(s.ctx) }()

		if err := s.waitForBufferGate(pcfg); err != nil {
			dev.log.Warn("buffer gate failed", "error", err)
			s.cancel()
			<-dlDone
			dev.sessionFinished(s, "error=upstream_fetch")
			return
		}
	}

	s.dec = mustNewDecoder(dev, s)

	sinkCtx, sinkCancel := context.WithTimeout(s.ctx, 5*time.Second)
	err := dev.snk.Open(sinkCtx, pcfg.SampleRate, pcfg.Channels)
	sinkCancel()
	if err != nil {
		dev.log.Error("sink open failed", "error", err)
		s.cancel()
		<-dlDone
		dev.sessionFinished(s, "error=sink_failure")
		return
	}

	if err := s.dec.Start(s.ctx); err != nil {
		dev.log.Error("decoder start failed", "error", err)
		s.cancel()
		<-dlDone
		dev.sessionFinished(s, "error=decoder_failure")
		return
	}

	pipelineErr := s.pump()

	s.cancel()
	<-dlDone

	switch {
	case errors.Is(pipelineErr, context.Canceled):
		// superseded or stopped elsewhere; caller already advances state.
	case pipelineErr != nil:
		dev.log.Error("pipeline failed", "error", pipelineErr)
		dev.sessionFinished(s, "error=decoder_failure")
	default:
		dev.sessionFinished(s, "end of track")
	}
}

// waitForBufferGate polls BytesDownloaded until it crosses
// BUFFER_GATE_BYTES, the Downloader fails, or the gate timeout elapses
// (default 10s).
func (s *playSession) waitForBufferGate(pcfg config.PipelineConfig) error {
	gateBytes := s.dev.cfg.BufferGateBytes
	if gateBytes <= 0 {
		gateBytes = 1 // any data at all
	}
	timeout := pcfg.BufferGateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.dl.BytesDownloaded() >= gateBytes {
			return nil
		}
		if s.dl.State() == downloader.StateFailed || s.dl.State() == downloader.StateDone && s.dl.BytesDownloaded() < gateBytes {
			return errBufferGateShortFile
		}
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-deadline:
			return errBufferGateTimeout
		case <-ticker.C:
		}
	}
}

func (s *playSession) pump() error {
	dev := s.dev
	blockSize := s.dec.BlockSize()
	buf := make([]byte, blockSize)
	frames := dev.cfg.PipelineConf.DecodeBlockFrames
	channels := dev.cfg.PipelineConf.Channels

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		s.waitIfPaused()
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		n, err := s.dec.ReadBlock(buf)
		if n > 0 {
			block := dsp.Block{Channels: channels, Frames: frames, Samples: dsp.Int16ToFloat32(bytesToInt16(buf[:n]))}
			dev.mu.Lock()
			chain := dev.chain
			dev.mu.Unlock()
			processed := chain.Process(block)

			if werr := dev.snk.Write(s.ctx, processed.Samples); werr != nil {
				return werr
			}
			if !s.started.Swap(true) {
				dev.mu.Lock()
				dev.state = StatePlaying
				dev.mu.Unlock()
				dev.publishState("")
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Treat any decoder read error (including EOF once the
			// Downloader has exited) as natural end-of-track.
			return nil
		}
	}
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// teardown releases this session's subprocesses and Sink. The cache file
// is left on disk only when both an outside command is tearing this
// session down AND its download had fully completed — that is the one
// case a same-URI Seek can still claim the file via
// cachePathIfDownloadComplete before it's gone. A session that reaches
// EOF or fails on its own never has an external claimant waiting, so its
// cache file is always removed.
func (s *playSession) teardown() {
	if s.dec != nil {
		s.dec.Teardown()
		_ = s.dec.Wait()
	}
	if s.dl != nil && s.dl.State() == downloader.StateDone {
		s.downloadComplete.Store(true)
	}
	if s.dev.snk != nil {
		_ = s.dev.snk.Close()
	}
	if !(s.externalTeardown.Load() && s.downloadComplete.Load()) {
		removeCacheFile(s.cachePath)
	}
}

func mustNewDownloader(dev *Device, s *playSession) *downloader.Downloader {
	dl, err := downloader.New(downloader.Config{
		FFmpegPath:  dev.cfg.FFmpegPath,
		URL:         s.uri,
		SeekSeconds: s.seekSeconds,
		CachePath:   s.cachePath,
		Logger:      dev.log,
		StreamName:  dev.id,
	})
	if err != nil {
		dev.log.Error("downloader construction failed", "error", err)
	}
	return dl
}

func mustNewDecoder(dev *Device, s *playSession) *decoder.Decoder {
	pcfg := dev.cfg.PipelineConf
	// A fresh download already applied -ss at the source; the Decoder
	// only needs to seek itself when reading into a reused, fully
	// cached file from its start.
	var seek float64
	if s.reusedCache {
		seek = s.seekSeconds
	}
	dec, err := decoder.New(decoder.Config{
		FFmpegPath:  dev.cfg.FFmpegPath,
		CachePath:   s.cachePath,
		SampleRate:  pcfg.SampleRate,
		Channels:    pcfg.Channels,
		BlockFrames: pcfg.DecodeBlockFrames,
		SeekSeconds: seek,
		Logger:      dev.log,
		StreamName:  dev.id,
	})
	if err != nil {
		dev.log.Error("decoder construction failed", "error", err)
	}
	return dec
}
