// Package decoder spawns the external media tool to read a (possibly
// still-growing) cache file and emit interleaved PCM frames on a pipe, in
// fixed-size blocks consumed by the DSP chain.
//
// Like package downloader, this manages its subprocess with the same
// os/exec idiom, but Decoder additionally owns a stdout pipe read loop
// instead of only waiting on process exit.
package decoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/nonu1l/unairplay/internal/pipeline"
	"github.com/nonu1l/unairplay/internal/procutil"
)

// Format is the PCM sample encoding emitted by the decoder.
type Format string

const (
	FormatS16LE Format = "s16le"
	FormatF32LE Format = "f32le"
)

// BytesPerSample returns the frame encoding's per-sample byte width.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatF32LE:
		return 4
	default:
		return 2
	}
}

// Config configures a decode session reading one cache file.
type Config struct {
	FFmpegPath  string
	CachePath   string
	Format      Format
	SampleRate  int
	Channels    int
	BlockFrames int // frames per Read() call, e.g. 4096
	SeekSeconds float64 // 0 = read the cache file from its start
	StopTimeout time.Duration
	Logger      *slog.Logger
	LogDir      string
	StreamName  string
}

// Decoder owns one decode-to-PCM subprocess for one session.
type Decoder struct {
	cfg       Config
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	reader    *bufio.Reader
	logWriter io.WriteCloser
}

// New validates cfg and returns an idle Decoder.
func New(cfg Config) (*Decoder, error) {
	if cfg.CachePath == "" {
		return nil, fmt.Errorf("decoder: CachePath must not be empty")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.BlockFrames <= 0 {
		cfg.BlockFrames = 4096
	}
	if cfg.Format == "" {
		cfg.Format = FormatS16LE
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Decoder{cfg: cfg}, nil
}

// BlockSize is the byte length of one PCM block read via ReadBlock.
func (d *Decoder) BlockSize() int {
	return d.cfg.BlockFrames * d.cfg.Channels * d.cfg.Format.BytesPerSample()
}

// Start launches ffmpeg and positions the decoder to read its stdout.
// The subprocess is bound to ctx: cancelling ctx tears it down per the
// bounded stop contract.
func (d *Decoder) Start(ctx context.Context) error {
	args := buildArgs(d.cfg)
	// #nosec G204 - FFmpegPath and args are administrator-controlled configuration
	cmd := exec.CommandContext(ctx, d.cfg.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decoder: stdout pipe: %w: %w", pipeline.ErrDecoderFailure, err)
	}

	if d.cfg.LogDir != "" {
		lw, lerr := procutil.LogWriter(d.cfg.LogDir, d.cfg.StreamName+"-decode",
			procutil.WithMaxSize(procutil.DefaultMaxLogSize),
			procutil.WithMaxFiles(procutil.DefaultMaxLogFiles),
			procutil.WithCompression(true),
			procutil.WithArchivePattern("%Y%m%d-%H%M%S"))
		if lerr == nil {
			d.logWriter = lw
			cmd.Stderr = lw
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("decoder: start ffmpeg: %w: %w", pipeline.ErrDecoderFailure, err)
	}

	d.cmd = cmd
	d.stdout = stdout
	d.reader = bufio.NewReaderSize(stdout, d.BlockSize()*2)
	return nil
}

// ReadBlock reads exactly one fixed-size PCM block from the decoder's
// stdout into buf (which must be at least BlockSize() bytes), with
// io.ReadFull semantics: io.ErrUnexpectedEOF when stdout closes partway
// through a block, io.EOF when it closes before any byte of it. Errors are
// returned as-is, unwrapped.
func (d *Decoder) ReadBlock(buf []byte) (int, error) {
	return io.ReadFull(d.reader, buf)
}

// Wait blocks until the subprocess exits and returns its result.
func (d *Decoder) Wait() error {
	err := d.cmd.Wait()
	if d.logWriter != nil {
		_ = d.logWriter.Close()
	}
	return err
}

// Teardown signals the subprocess to exit, force-killing it after
// StopTimeout if it hasn't.
func (d *Decoder) Teardown() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	proc := d.cmd.Process
	_ = proc.Signal(os.Interrupt)

	killCtx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout)
	defer cancel()
	<-killCtx.Done()
	_ = proc.Kill()
}

// buildArgs constructs the ffmpeg decode command line:
//
//	ffmpeg [-ss SEEK] -i CACHE_PATH -f FORMAT -ar RATE -ac CHANNELS -acodec pcm_FORMAT pipe:1
func buildArgs(cfg Config) []string {
	args := make([]string, 0, 12)
	if cfg.SeekSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", cfg.SeekSeconds))
	}
	args = append(args, "-i", cfg.CachePath)
	return append(args,
		"-f", string(cfg.Format),
		"-ar", fmt.Sprintf("%d", cfg.SampleRate),
		"-ac", fmt.Sprintf("%d", cfg.Channels),
		"-acodec", "pcm_"+pcmCodecSuffix(cfg.Format),
		"pipe:1",
	)
}

func pcmCodecSuffix(f Format) string {
	if f == FormatF32LE {
		return "f32le"
	}
	return "s16le"
}
