// Package virtualdevice implements the bridge engine: one Virtual Device
// per sink, owning its Sink, DSP chain, and per-device transport state,
// driven exclusively by commands arriving over the event bus and
// executing them one at a time.
package virtualdevice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/dsp"
	"github.com/nonu1l/unairplay/internal/dsp/compressor"
	"github.com/nonu1l/unairplay/internal/dsp/eq"
	"github.com/nonu1l/unairplay/internal/dsp/stereo"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/sink"
	"github.com/nonu1l/unairplay/internal/util"
)

// TransportState is the UPnP-visible playback state, per the transport
// state machine's five states.
type TransportState string

const (
	StateNoMediaPresent TransportState = "NO_MEDIA_PRESENT"
	StateStopped        TransportState = "STOPPED"
	StatePlaying        TransportState = "PLAYING"
	StatePausedPlayback TransportState = "PAUSED_PLAYBACK"
	StateTransitioning  TransportState = "TRANSITIONING"
)

// Metadata is the current track's descriptive fields; any may be empty.
type Metadata struct {
	Title    string
	Artist   string
	Album    string
	CoverURL string
}

// PCMFormat describes the audio format currently flowing through the
// pipeline.
type PCMFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Layout     string // always "interleaved"
}

// Command is the payload of every eventbus.Cmd* event a Virtual Device
// consumes.
type Command struct {
	Type        eventbus.EventType
	DeviceID    string
	URI         string
	Metadata    Metadata
	SeekSeconds float64
	Volume      int
	Muted       bool
	DSPEnabled  bool
	DSPConfig   config.DSPConfig
}

// StateSnapshot is the payload of every STATE_CHANGED event, and the
// result of Device.Snapshot for synchronous readers (Web API, DLNA
// GetTransportInfo/GetPositionInfo).
type StateSnapshot struct {
	DeviceID       string
	Kind           sink.Kind
	DisplayName    string
	TransportState TransportState
	URI            string
	DurationS      float64
	ElapsedS       float64
	Metadata       Metadata
	Volume         int
	Muted          bool
	DSPEnabled     bool
	DSPConfig      config.DSPConfig
	Format         PCMFormat
	SessionID      int64
	Reason         string // human-readable cause, e.g. "uri set", "error=upstream_fetch"
}

// Config configures one Virtual Device.
type Config struct {
	DeviceID    string
	Kind        sink.Kind
	DisplayName string

	Bus  *eventbus.Bus
	Sink sink.Sink

	FFmpegPath      string
	CacheDir        string
	BufferGateBytes int64
	PipelineConf    config.PipelineConfig
	Discovery       config.DiscoveryConfig

	DefaultDSP config.DSPConfig

	Logger *slog.Logger
}

// Device is one Virtual Device: the sole executor of commands targeting
// its device_id and the sole publisher of its state events.
type Device struct {
	id          string
	kind        sink.Kind
	displayName string

	bus *eventbus.Bus
	snk sink.Sink
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      TransportState
	uri        string
	durationS  float64
	elapsedS   float64
	meta       Metadata
	volume     int
	muted      bool
	dspEnabled bool
	dspConfig  config.DSPConfig
	format     PCMFormat
	sessionID  int64

	chain *dsp.Chain

	session *playSession // current pipeline, nil when idle
}

// New constructs an idle Virtual Device. It does not start consuming
// commands until Run is called (normally by the supervisor).
func New(cfg Config) *Device {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		id:          cfg.DeviceID,
		kind:        cfg.Kind,
		displayName: cfg.DisplayName,
		bus:         cfg.Bus,
		snk:         cfg.Sink,
		cfg:         cfg,
		log:         log.With("device_id", cfg.DeviceID),
		state:       StateNoMediaPresent,
		volume:      50,
		dspEnabled:  cfg.DefaultDSP.Enabled,
		dspConfig:   cfg.DefaultDSP,
		format: PCMFormat{
			SampleRate: cfg.PipelineConf.SampleRate,
			Channels:   cfg.PipelineConf.Channels,
			BitDepth:   16,
			Layout:     "interleaved",
		},
	}
	d.chain = buildChain(cfg.DefaultDSP, d.format.SampleRate, d.format.Channels)
	return d
}

// Name implements supervisor.Service.
func (d *Device) Name() string { return d.id }

// SeedVolumeMute overrides the volume/mute a Virtual Device starts with,
// letting the Device Manager restore a value persisted by the Config
// Store instead of always starting at the 50/unmuted default. Must be
// called before Run.
func (d *Device) SeedVolumeMute(volume int, muted bool) {
	d.mu.Lock()
	d.volume = clampVolume(volume)
	d.muted = muted
	d.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the device's state, guarded by
// its mutex, for the Web API and DLNA GetPositionInfo/GetTransportInfo.
func (d *Device) Snapshot() StateSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked("")
}

func (d *Device) snapshotLocked(reason string) StateSnapshot {
	return StateSnapshot{
		DeviceID:       d.id,
		Kind:           d.kind,
		DisplayName:    d.displayName,
		TransportState: d.state,
		URI:            d.uri,
		DurationS:      d.durationS,
		ElapsedS:       d.elapsedS,
		Metadata:       d.meta,
		Volume:         d.volume,
		Muted:          d.muted,
		DSPEnabled:     d.dspEnabled,
		DSPConfig:      d.dspConfig,
		Format:         d.format,
		SessionID:      d.sessionID,
		Reason:         reason,
	}
}

func (d *Device) publishState(reason string) {
	d.mu.Lock()
	snap := d.snapshotLocked(reason)
	d.mu.Unlock()
	d.bus.Publish(eventbus.Event{Type: eventbus.StateChanged, DeviceID: d.id, Payload: snap})
}

// Run implements supervisor.Service: it merges all nine command topics
// for this device_id into one serialized loop and processes exactly one
// command at a time.
func (d *Device) Run(ctx context.Context) error {
	cmdTypes := []eventbus.EventType{
		eventbus.CmdSetURI, eventbus.CmdPlay, eventbus.CmdPause, eventbus.CmdStop,
		eventbus.CmdSeek, eventbus.CmdSetVolume, eventbus.CmdSetMute,
		eventbus.CmdSetDSP, eventbus.CmdResetDSP,
	}
	merged := make(chan eventbus.Event, 64)
	deviceID := d.id

	var wg sync.WaitGroup
	for _, t := range cmdTypes {
		ch := d.bus.Subscribe(ctx, t, &deviceID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() { wg.Wait(); close(merged) }()

	for {
		select {
		case <-ctx.Done():
			removeCacheFile(d.teardownCurrentSession("shutdown"))
			return ctx.Err()
		case ev, ok := <-merged:
			if !ok {
				return nil
			}
			cmd, ok := ev.Payload.(Command)
			if !ok {
				d.log.Warn("command event with unexpected payload", "type", ev.Type)
				continue
			}
			d.handleCommand(ctx, cmd)
		}
	}
}

func (d *Device) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case eventbus.CmdSetURI:
		d.cmdSetURI(cmd)
	case eventbus.CmdPlay:
		d.cmdPlay(ctx, cmd)
	case eventbus.CmdPause:
		d.cmdPause()
	case eventbus.CmdStop:
		d.cmdStop("stop")
	case eventbus.CmdSeek:
		d.cmdSeek(ctx, cmd)
	case eventbus.CmdSetVolume:
		d.cmdSetVolume(ctx, cmd)
	case eventbus.CmdSetMute:
		d.cmdSetMute(ctx, cmd)
	case eventbus.CmdSetDSP:
		d.cmdSetDSP(cmd)
	case eventbus.CmdResetDSP:
		d.cmdResetDSP()
	default:
		d.log.Warn("unhandled command type", "type", cmd.Type)
	}
}

// cmdSetURI implements STOPPED|NO_MEDIA --SetURI--> STOPPED.
func (d *Device) cmdSetURI(cmd Command) {
	d.mu.Lock()
	if d.state != StateStopped && d.state != StateNoMediaPresent {
		d.mu.Unlock()
		d.log.Warn("SetURI rejected: not in STOPPED/NO_MEDIA_PRESENT", "state", d.state)
		return
	}
	d.uri = cmd.URI
	d.meta = cmd.Metadata
	d.elapsedS = 0
	d.state = StateStopped
	d.mu.Unlock()
	d.publishState("uri set")
}

// cmdStop implements any --Stop--> STOPPED.
func (d *Device) cmdStop(reason string) {
	removeCacheFile(d.teardownCurrentSession(reason))
	d.mu.Lock()
	d.uri = ""
	d.meta = Metadata{}
	d.elapsedS = 0
	d.sessionID++
	d.state = StateStopped
	d.mu.Unlock()
	d.publishState(reason)
}

// cmdPause implements PLAYING --Pause--> PAUSED_PLAYBACK: the session's
// read loop blocks on the pause gate, so the Sink receives nothing, while
// the Downloader keeps running.
func (d *Device) cmdPause() {
	d.mu.Lock()
	if d.state != StatePlaying {
		d.mu.Unlock()
		return
	}
	d.state = StatePausedPlayback
	sess := d.session
	d.mu.Unlock()
	if sess != nil {
		sess.pause()
	}
	d.publishState("paused")
}

// cmdPlay implements STOPPED|PLAYING --Play--> TRANSITIONING -> PLAYING,
// and PAUSED --Play--> PLAYING by resuming the current session.
func (d *Device) cmdPlay(ctx context.Context, cmd Command) {
	d.mu.Lock()
	state := d.state
	currentURI := d.uri
	d.mu.Unlock()

	if state == StatePausedPlayback {
		d.mu.Lock()
		d.state = StatePlaying
		d.mu.Unlock()
		sess := d.session
		if sess != nil {
			sess.resume()
		}
		d.publishState("resumed")
		return
	}

	uri := cmd.URI
	if uri == "" {
		uri = currentURI
	}
	if uri == "" {
		d.log.Warn("Play rejected: no URI set")
		return
	}

	d.startSession(ctx, uri, 0, cmd.Metadata, false)
}

// cmdSeek implements PLAYING|PAUSED --Seek--> TRANSITIONING -> PLAYING.
// A same-URI seek reuses the prior session's cache file instead of
// restarting the Downloader, but only when that download had already
// finished (otherwise the requested offset might not be in the file yet,
// so the fetch restarts with -ss).
func (d *Device) cmdSeek(ctx context.Context, cmd Command) {
	d.mu.Lock()
	state := d.state
	uri := d.uri
	meta := d.meta
	d.mu.Unlock()

	if state != StatePlaying && state != StatePausedPlayback {
		d.log.Warn("Seek rejected: not PLAYING/PAUSED", "state", state)
		return
	}
	d.startSession(ctx, uri, cmd.SeekSeconds, meta, true)
}

// startSession tears down any live pipeline (a second Play while
// TRANSITIONING supersedes the first), then starts a fresh one.
// TRANSITIONING is emitted immediately; PLAYING follows once the Sink
// accepts the first block.
func (d *Device) startSession(ctx context.Context, uri string, seekSeconds float64, meta Metadata, allowCacheReuse bool) {
	reusableCache := d.teardownCurrentSession("superseded")
	if !allowCacheReuse {
		removeCacheFile(reusableCache)
		reusableCache = ""
	}

	d.mu.Lock()
	d.uri = uri
	d.meta = meta
	d.elapsedS = seekSeconds
	d.sessionID++
	sid := d.sessionID
	d.state = StateTransitioning
	d.mu.Unlock()
	d.publishState("")

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := newPlaySession(d, sessionCtx, cancel, uri, seekSeconds, sid, reusableCache)

	d.mu.Lock()
	d.session = sess
	d.mu.Unlock()

	util.SafeGo(fmt.Sprintf("%s-session-%d", d.id, sid), util.SlogWriter{Log: d.log}, sess.run, nil)
}

// cmdSetVolume is idempotent at the device level but always emits
// VOLUME_CHANGED, per the data-model invariant.
func (d *Device) cmdSetVolume(ctx context.Context, cmd Command) {
	d.mu.Lock()
	d.volume = clampVolume(cmd.Volume)
	vol := d.volume
	snk := d.snk
	d.mu.Unlock()

	if snk != nil {
		if err := snk.SetVolume(ctx, vol); err != nil {
			d.log.Error("sink set_volume failed", "error", err)
		}
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.VolumeChanged, DeviceID: d.id,
		Payload: StateSnapshot{DeviceID: d.id, Volume: vol},
	})
}

func (d *Device) cmdSetMute(ctx context.Context, cmd Command) {
	d.mu.Lock()
	d.muted = cmd.Muted
	muted := d.muted
	snk := d.snk
	d.mu.Unlock()

	if snk != nil {
		if err := snk.SetMute(ctx, muted); err != nil {
			d.log.Error("sink set_mute failed", "error", err)
		}
	}
	d.publishState("mute changed")
}

// cmdSetDSP validates and swaps the DSP chain atomically; an invalid
// config is rejected with no state change and no DSP_CHANGED event.
func (d *Device) cmdSetDSP(cmd Command) {
	if err := config.ValidateDSP(&cmd.DSPConfig); err != nil {
		d.log.Warn("CMD_SET_DSP rejected", "error", fmt.Errorf("%w: %w", dsp.ErrInvalidConfig, err))
		return
	}

	d.mu.Lock()
	d.dspEnabled = cmd.DSPEnabled
	d.dspConfig = cmd.DSPConfig
	d.chain = buildChain(cmd.DSPConfig, d.format.SampleRate, d.format.Channels)
	snap := d.snapshotLocked("dsp changed")
	d.mu.Unlock()

	d.bus.Publish(eventbus.Event{Type: eventbus.DSPChanged, DeviceID: d.id, Payload: snap})
}

func (d *Device) cmdResetDSP() {
	d.mu.Lock()
	d.dspEnabled = d.cfg.DefaultDSP.Enabled
	d.dspConfig = d.cfg.DefaultDSP
	d.chain = buildChain(d.cfg.DefaultDSP, d.format.SampleRate, d.format.Channels)
	snap := d.snapshotLocked("dsp reset")
	d.mu.Unlock()

	d.bus.Publish(eventbus.Event{Type: eventbus.DSPChanged, DeviceID: d.id, Payload: snap})
}

// sessionFinished is called from a playSession's own goroutine once its
// pipeline reaches a terminal condition (EOF, error, buffer-gate
// timeout). It only advances device state if this session is still the
// current one: if it was already superseded or stopped from the command
// loop, that caller owns the transition and this is a no-op.
func (d *Device) sessionFinished(s *playSession, reason string) {
	d.mu.Lock()
	if d.session != s {
		d.mu.Unlock()
		return
	}
	d.session = nil
	d.uri = ""
	d.meta = Metadata{}
	d.elapsedS = 0
	d.sessionID++
	d.state = StateStopped
	d.mu.Unlock()
	d.publishState(reason)
}

// teardownCurrentSession cancels and waits for any live pipeline per the
// bounded tear-down contract. If the session's Downloader had already
// finished, its cache file is left on disk and its path is returned so a
// same-URI Seek can reuse it; the caller is responsible for deleting that
// path when it doesn't intend to reuse it (cmdStop, or a Play/Seek to a
// different URI).
func (d *Device) teardownCurrentSession(reason string) string {
	d.mu.Lock()
	sess := d.session
	d.session = nil
	d.mu.Unlock()

	if sess == nil {
		return ""
	}
	sess.externalTeardown.Store(true)
	sess.cancel()
	<-sess.done
	return sess.cachePathIfDownloadComplete()
}

func buildChain(cfg config.DSPConfig, sampleRate, channels int) *dsp.Chain {
	chain := dsp.NewChain()

	eqEngine, err := eq.New(cfg.EQ, sampleRate, channels)
	if err == nil {
		chain.AddStage("eq", eqEngine, cfg.Enabled)
	}
	chain.AddStage("compressor", compressor.New(cfg.Compressor, sampleRate, channels), cfg.Enabled && cfg.Compressor.Enabled)
	chain.AddStage("stereo", stereo.New(cfg.Stereo, sampleRate), cfg.Enabled && cfg.Stereo.Enabled)
	return chain
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// cacheFilePath returns the private cache file path for one session,
// following the `cache/{device_id}_{nonce}.mkv` convention.
func cacheFilePath(cacheDir, deviceID string, sessionID int64) string {
	return filepath.Join(cacheDir, fmt.Sprintf("%s_%d.mkv", deviceID, sessionID))
}

func removeCacheFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Default().Warn("failed to remove cache file", "path", path, "error", err)
	}
}
