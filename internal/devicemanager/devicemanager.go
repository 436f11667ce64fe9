// Package devicemanager discovers AirPlay receivers over mDNS and owns
// the create/destroy lifecycle of the Virtual Device representing each
// one, plus an optional always-on local-speaker device.
package devicemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/brutella/dnssd"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/configstore"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/procutil"
	"github.com/nonu1l/unairplay/internal/sink"
	"github.com/nonu1l/unairplay/internal/supervisor"
	"github.com/nonu1l/unairplay/internal/udev"
	"github.com/nonu1l/unairplay/internal/util"
	"github.com/nonu1l/unairplay/internal/virtualdevice"
)

// ErrDiscoveryTransient wraps a failure of one mDNS browse attempt, as
// opposed to a permanent misconfiguration: the discovery loop retries
// through procutil.Backoff rather than giving up.
var ErrDiscoveryTransient = errors.New("devicemanager: discovery attempt failed")

const (
	airplayServiceRAOP    = "_raop._tcp"
	airplayServiceAirPlay = "_airplay._tcp"
)

// BrowseEntry is the subset of an mDNS service instance the Device
// Manager acts on, decoupled from brutella/dnssd's own type so the
// browse loop can be driven by a fake in tests.
type BrowseEntry struct {
	InstanceName string
	Host         string
	Port         int
	IPs          []net.IP
}

// browseFunc runs one long-lived mDNS browse for service, invoking added
///removed as instances come and go, and blocks until ctx is cancelled or
// the browse itself fails transiently (network down, interface reset).
type browseFunc func(ctx context.Context, service string, added, removed func(BrowseEntry)) error

// Config configures the Device Manager.
type Config struct {
	Supervisor  *supervisor.Supervisor
	ConfigStore *configstore.Store

	DiscoveryIntervalS  int
	MissesBeforeRemoval int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration

	EnableServerSpeaker bool
	// LocalSpeakerUSBBus/LocalSpeakerUSBDevice identify the local
	// speaker's USB audio interface (e.g. from lsusb) so its physical
	// port can be watched for removal. Leave both zero to skip the
	// hardware-loss watch (e.g. when the local speaker isn't USB).
	LocalSpeakerUSBBus    int
	LocalSpeakerUSBDevice int
	USBSysfsPath          string // defaults to /sys/bus/usb/devices

	FFmpegPath        string
	AirPlaySenderPath string
	CacheDir          string
	BufferGateBytes   int64
	PipelineConf      config.PipelineConfig
	DefaultDSP        config.DSPConfig

	Logger *slog.Logger
}

// Manager runs the discovery loop and tracks one Virtual Device per
// discovered receiver, plus the optional local speaker.
type Manager struct {
	cfg     Config
	bus     *eventbus.Bus
	log     *slog.Logger
	browse  browseFunc
	backoff *procutil.Backoff

	mu        sync.Mutex
	devices   map[string]*trackedDevice // key: receiver host:port
	misses    map[string]int
	watchStop chan struct{} // closed on Run's ctx cancellation, stops the udev watcher
}

type trackedDevice struct {
	dev    *virtualdevice.Device
	cancel context.CancelFunc
}

// New validates cfg and returns a not-yet-running Manager.
func New(bus *eventbus.Bus, cfg Config) (*Manager, error) {
	if cfg.DiscoveryIntervalS <= 0 {
		cfg.DiscoveryIntervalS = 30
	}
	if cfg.MissesBeforeRemoval <= 0 {
		cfg.MissesBeforeRemoval = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		bus:     bus,
		log:     log,
		browse:  dnssdBrowse,
		backoff: procutil.NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff, 0),
		devices: make(map[string]*trackedDevice),
		misses:  make(map[string]int),
	}
	return m, nil
}

// Name implements supervisor.Service.
func (m *Manager) Name() string { return "devicemanager" }

// Run implements supervisor.Service: browses both AirPlay service types
// until ctx is cancelled, restarting a failed browse through Backoff and
// registering/retiring Virtual Devices as receivers come and go. It also
// creates the local-speaker device up front, if enabled.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.EnableServerSpeaker {
		m.watchStop = make(chan struct{})
		go func() {
			<-ctx.Done()
			close(m.watchStop)
		}()
		m.addLocalSpeaker()
	}

	var wg sync.WaitGroup
	for _, svc := range []string{airplayServiceRAOP, airplayServiceAirPlay} {
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			m.browseLoop(ctx, service)
		}(svc)
	}
	wg.Wait()
	return ctx.Err()
}

// browseLoop restarts m.browse on transient failure with exponential
// backoff from procutil.Backoff.
func (m *Manager) browseLoop(ctx context.Context, service string) {
	for {
		start := time.Now()
		err := m.browse(ctx, service,
			func(e BrowseEntry) { m.onReceiverAdded(ctx, service, e) },
			func(e BrowseEntry) { m.onReceiverRemoved(e) },
		)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn("mdns browse failed, retrying", "service", service,
				"error", fmt.Errorf("%w: %w", ErrDiscoveryTransient, err))
			m.backoff.RecordFailure()
		} else {
			m.backoff.RecordSuccess(time.Since(start))
		}
		if werr := m.backoff.WaitContext(ctx); werr != nil {
			return
		}
	}
}

func receiverKey(e BrowseEntry) string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (m *Manager) onReceiverAdded(ctx context.Context, service string, e BrowseEntry) {
	key := receiverKey(e)

	m.mu.Lock()
	delete(m.misses, key)
	if _, exists := m.devices[key]; exists {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	deviceID := deviceIDFor(e)
	snk, err := sink.NewAirPlay(sink.AirPlayConfig{
		SenderPath: m.cfg.AirPlaySenderPath,
		Host:       e.Host,
		Port:       e.Port,
	})
	if err != nil {
		m.log.Error("airplay sink construction failed", "device_id", deviceID, "error", err)
		return
	}

	dev := m.newVirtualDevice(deviceID, e.InstanceName, sink.KindAirPlay, snk)
	devCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.devices[key] = &trackedDevice{dev: dev, cancel: cancel}
	m.mu.Unlock()

	if m.cfg.Supervisor != nil {
		if err := m.cfg.Supervisor.Add(dev); err != nil {
			m.log.Error("supervisor add failed", "device_id", deviceID, "error", err)
		}
	} else {
		go func() { _ = dev.Run(devCtx) }()
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.DeviceAdded, DeviceID: deviceID, Payload: dev.Snapshot()})
	m.log.Info("airplay receiver discovered", "device_id", deviceID, "service", service, "host", e.Host, "port", e.Port)
}

func (m *Manager) onReceiverRemoved(e BrowseEntry) {
	key := receiverKey(e)

	m.mu.Lock()
	m.misses[key]++
	miss := m.misses[key]
	m.mu.Unlock()

	if miss < m.cfg.MissesBeforeRemoval {
		return
	}

	m.mu.Lock()
	tracked, ok := m.devices[key]
	if ok {
		delete(m.devices, key)
		delete(m.misses, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if m.cfg.Supervisor != nil {
		_ = m.cfg.Supervisor.Remove(tracked.dev.Name())
	}
	tracked.cancel()
	m.bus.Publish(eventbus.Event{Type: eventbus.DeviceRemoved, DeviceID: tracked.dev.Name()})
	m.log.Info("airplay receiver removed", "device_id", tracked.dev.Name())
}

// addLocalSpeaker registers the always-on PortAudio output device. When
// LocalSpeakerUSBBus/LocalSpeakerUSBDevice are set, a udev watcher logs a
// warning whenever the underlying USB audio output interface is
// unplugged; the device stays registered and is not stopped.
func (m *Manager) addLocalSpeaker() {
	snk := sink.NewLocalSpeaker(m.log)
	dev := m.newVirtualDevice("local-speaker", "Local Speaker", sink.KindLocalSpeaker, snk)

	if m.cfg.Supervisor != nil {
		if err := m.cfg.Supervisor.Add(dev); err != nil {
			m.log.Error("supervisor add failed", "device_id", "local-speaker", "error", err)
		}
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.DeviceAdded, DeviceID: "local-speaker", Payload: dev.Snapshot()})

	if m.cfg.LocalSpeakerUSBBus <= 0 || m.cfg.LocalSpeakerUSBDevice <= 0 {
		return
	}
	sysfsPath := m.cfg.USBSysfsPath
	if sysfsPath == "" {
		sysfsPath = "/sys/bus/usb/devices"
	}
	portPath, _, _, err := udev.GetUSBPhysicalPort(sysfsPath, m.cfg.LocalSpeakerUSBBus, m.cfg.LocalSpeakerUSBDevice)
	if err != nil {
		m.log.Warn("local speaker USB port lookup failed, hardware-loss watch disabled", "error", err)
		return
	}
	util.SafeGo("usb-watch-local-speaker", util.SlogWriter{Log: m.log}, func() {
		udev.WatchAudioOutputLoss(sysfsPath, portPath, m.log, func() {
			m.log.Warn("local audio output interface lost", "device_id", "local-speaker")
		}, m.watchStop)
	}, nil)
}

func (m *Manager) newVirtualDevice(deviceID, displayName string, kind sink.Kind, snk sink.Sink) *virtualdevice.Device {
	dsp := m.cfg.DefaultDSP
	volume, muted := 50, false
	if m.cfg.ConfigStore != nil {
		if entry, ok, err := m.cfg.ConfigStore.Load(deviceID); err == nil && ok {
			dsp = entry.DSPConfig
			volume, muted = entry.Volume, entry.Muted
		}
	}

	dev := virtualdevice.New(virtualdevice.Config{
		DeviceID:        deviceID,
		Kind:            kind,
		DisplayName:     displayName,
		Bus:             m.bus,
		Sink:            snk,
		FFmpegPath:      m.cfg.FFmpegPath,
		CacheDir:        m.cfg.CacheDir,
		BufferGateBytes: m.cfg.BufferGateBytes,
		PipelineConf:    m.cfg.PipelineConf,
		DefaultDSP:      dsp,
		Logger:          m.log,
	})
	dev.SeedVolumeMute(volume, muted)
	return dev
}

func deviceIDFor(e BrowseEntry) string {
	return sanitizeDeviceID(e.InstanceName)
}

func sanitizeDeviceID(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		case c == ' ':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "airplay-device"
	}
	return string(out)
}

// dnssdBrowse is the production browseFunc, adapted from the pack's only
// dnssd example (a service *advertiser*: dnssd.NewService/NewResponder)
// to the discovery-client direction the Device Manager actually needs.
// brutella/dnssd's LookupType blocks for the lifetime of ctx, invoking
// added/removed as instances come and go, which is exactly the shape
// browseFunc models.
func dnssdBrowse(ctx context.Context, service string, added, removed func(BrowseEntry)) error {
	addedFn := func(e dnssd.BrowseEntry) {
		added(BrowseEntry{InstanceName: e.Name, Host: e.Host, Port: e.Port, IPs: e.IPs})
	}
	removedFn := func(e dnssd.BrowseEntry) {
		removed(BrowseEntry{InstanceName: e.Name, Host: e.Host, Port: e.Port, IPs: e.IPs})
	}
	return dnssd.LookupType(ctx, service, addedFn, removedFn)
}
