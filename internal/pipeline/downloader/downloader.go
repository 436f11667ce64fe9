// Package downloader spawns the external media tool in remux-copy mode to
// pull a remote URL into a session's local cache file without re-encoding,
// so the Decoder can read the original bitstream while the fetch is still
// in progress.
//
// The subprocess is managed with the same os/exec + context-bound
// cancellation + rotating stderr capture idiom used elsewhere in this
// codebase, narrowed to a single run-to-completion process: a failed
// fetch is never automatically retried.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/nonu1l/unairplay/internal/pipeline"
	"github.com/nonu1l/unairplay/internal/procutil"
)

// State is the Downloader's process lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a single download session.
type Config struct {
	FFmpegPath  string
	URL         string
	SeekSeconds float64 // 0 = from the start
	CachePath   string  // destination Matroska container file
	StopTimeout time.Duration
	Logger      *slog.Logger
	LogDir      string // empty = no stderr capture
	StreamName  string // used to name the rotated log file
}

// Downloader owns one fetch-to-cache-file subprocess for one session.
type Downloader struct {
	cfg Config

	cmd       *exec.Cmd
	logWriter io.WriteCloser
	bytesRead atomic.Int64
	state     atomic.Value // State
}

// New creates an idle Downloader for the given session config.
func New(cfg Config) (*Downloader, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("downloader: URL must not be empty")
	}
	if cfg.CachePath == "" {
		return nil, fmt.Errorf("downloader: CachePath must not be empty")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	d := &Downloader{cfg: cfg}
	d.state.Store(StateIdle)
	return d, nil
}

// State returns the current lifecycle state.
func (d *Downloader) State() State {
	return d.state.Load().(State)
}

// BytesDownloaded returns the readable progress counter the Virtual Device
// uses to gate Decoder start against BUFFER_GATE_BYTES.
func (d *Downloader) BytesDownloaded() int64 {
	info, err := os.Stat(d.cfg.CachePath)
	if err != nil {
		return d.bytesRead.Load()
	}
	sz := info.Size()
	d.bytesRead.Store(sz)
	return sz
}

// Run starts ffmpeg and blocks until the subprocess exits or ctx is
// cancelled. On context cancellation, Run tears the subprocess down per
// the bounded stop contract (SIGINT, wait StopTimeout, then SIGKILL) and
// returns context.Canceled. A non-zero exit status is returned as an
// error so the caller can emit an upstream-fetch error state event.
func (d *Downloader) Run(ctx context.Context) error {
	args := buildArgs(d.cfg)
	// #nosec G204 - FFmpegPath and args are administrator-controlled configuration
	cmd := exec.CommandContext(ctx, d.cfg.FFmpegPath, args...)

	if d.cfg.LogDir != "" {
		lw, err := procutil.LogWriter(d.cfg.LogDir, d.cfg.StreamName+"-download",
			procutil.WithMaxSize(procutil.DefaultMaxLogSize),
			procutil.WithMaxFiles(procutil.DefaultMaxLogFiles),
			procutil.WithCompression(true),
			procutil.WithArchivePattern("%Y%m%d-%H%M%S"))
		if err == nil {
			d.logWriter = lw
			cmd.Stderr = lw
		}
	}

	d.state.Store(StateRunning)

	if err := cmd.Start(); err != nil {
		d.state.Store(StateFailed)
		return fmt.Errorf("downloader: start ffmpeg: %w: %w", pipeline.ErrUpstreamFetch, err)
	}
	d.cmd = cmd

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		d.state.Store(StateStopping)
		d.teardown()
		<-done
		d.state.Store(StateDone)
		return context.Canceled

	case err := <-done:
		if d.logWriter != nil {
			_ = d.logWriter.Close()
		}
		if err != nil {
			d.state.Store(StateFailed)
			return fmt.Errorf("downloader: ffmpeg exited with error: %w: %w", pipeline.ErrUpstreamFetch, err)
		}
		d.state.Store(StateDone)
		return nil
	}
}

// teardown signals the subprocess to exit gracefully, then force-kills it
// if it doesn't within StopTimeout.
func (d *Downloader) teardown() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	proc := d.cmd.Process
	_ = proc.Signal(os.Interrupt)

	killCtx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout)
	defer cancel()
	<-killCtx.Done()
	if killCtx.Err() != nil {
		_ = proc.Kill()
	}
}

// buildArgs constructs the ffmpeg remux-copy command line:
//
//	ffmpeg [-ss SEEK] -reconnect 1 -reconnect_streamed 1 -reconnect_delay_max 30
//	       -i URL -c copy -f matroska -y CACHE_PATH
func buildArgs(cfg Config) []string {
	args := make([]string, 0, 10)
	if cfg.SeekSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", cfg.SeekSeconds))
	}
	args = append(args,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "30",
		"-i", cfg.URL,
		"-c", "copy",
		"-f", "matroska",
		"-y",
		cfg.CachePath,
	)
	return args
}
