// Package dlna implements the per-device UPnP AVTransport, RenderingControl
// and ConnectionManager surface: SOAP control URLs translate controller
// actions into command events, and a GENA subscription table (package
// internal/dlna/gena) pushes state events back out as NOTIFYs. Routing
// follows the pack's go-chi/chi/v5 idiom (ManuGH-xg2g's chi.Router
// construction), with one router whose routes all sit under `/dev/{id}/`.
package dlna

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nonu1l/unairplay/internal/dlna/gena"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/virtualdevice"
)

// Service serves the DLNA/UPnP surface for every device known to its
// Registry and dispatches GENA NOTIFYs on state changes.
type Service struct {
	bus      *eventbus.Bus
	registry *virtualdevice.Registry
	gena     *gena.Table
	notify   time.Duration
	log      *slog.Logger
}

// Config configures the DLNA Service.
type Config struct {
	Bus           *eventbus.Bus
	Registry      *virtualdevice.Registry
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// New constructs a Service ready to have its Router mounted and Run
// started.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		gena:     gena.NewTable(gena.NewNotifier(timeout), log),
		notify:   timeout,
		log:      log,
	}
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "dlna-service" }

// Run implements supervisor.Service: it subscribes to every state-bearing
// topic and turns each event into a GENA LastChange NOTIFY for that
// device's subscribers.
func (s *Service) Run(ctx context.Context) error {
	topics := []eventbus.EventType{eventbus.StateChanged, eventbus.VolumeChanged, eventbus.DSPChanged}
	merged := make(chan eventbus.Event, 64)

	for _, t := range topics {
		ch := s.bus.Subscribe(ctx, t, nil)
		go func(ch <-chan eventbus.Event) {
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-merged:
			s.onStateEvent(ev)
		}
	}
}

func (s *Service) onStateEvent(ev eventbus.Event) {
	snap, ok := s.registry.Get(ev.DeviceID)
	if !ok {
		return
	}
	s.gena.Publish(ev.DeviceID, serviceTypeAVTransport, []byte(avTransportLastChange(snap)))
	s.gena.Publish(ev.DeviceID, serviceTypeRenderingControl, []byte(renderingControlLastChange(snap)))
}

func avTransportLastChange(snap virtualdevice.StateSnapshot) string {
	return fmt.Sprintf(`<?xml version="1.0"?><Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"><InstanceID val="0"><TransportState val=%q/><CurrentTrackURI val=%q/></InstanceID></Event>`,
		snap.TransportState, snap.URI)
}

func renderingControlLastChange(snap virtualdevice.StateSnapshot) string {
	muted := "0"
	if snap.Muted {
		muted = "1"
	}
	return fmt.Sprintf(`<?xml version="1.0"?><Event xmlns="urn:schemas-upnp-org:metadata-1-0/RCS/"><InstanceID val="0"><Volume val="%d"/><Mute val="%s"/></InstanceID></Event>`,
		snap.Volume, muted)
}

// Router returns the chi.Router serving every device's description,
// SCPD, SOAP control, and GENA event-subscription endpoints.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/dev/{id}/desc.xml", s.handleDescription)
	r.Get("/dev/{id}/AVTransport1.xml", scpdHandler(avTransportSCPD))
	r.Get("/dev/{id}/RenderingControl1.xml", scpdHandler(renderingControlSCPD))
	r.Get("/dev/{id}/ConnectionManager1.xml", scpdHandler(connectionManagerSCPD))
	r.Post("/dev/{id}/AVTransport/control", s.handleAVTransportControl)
	r.Post("/dev/{id}/RenderingControl/control", s.handleRenderingControlControl)
	r.Post("/dev/{id}/ConnectionManager/control", s.handleConnectionManagerControl)
	r.Method("SUBSCRIBE", "/dev/{id}/AVTransport/event", s.subscribeHandler(serviceTypeAVTransport))
	r.Method("UNSUBSCRIBE", "/dev/{id}/AVTransport/event", s.unsubscribeHandler())
	r.Method("SUBSCRIBE", "/dev/{id}/RenderingControl/event", s.subscribeHandler(serviceTypeRenderingControl))
	r.Method("UNSUBSCRIBE", "/dev/{id}/RenderingControl/event", s.unsubscribeHandler())
	return r
}

func scpdHandler(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=\"utf-8\"")
		_, _ = w.Write([]byte(doc))
	}
}

func (s *Service) handleDescription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	baseURL := fmt.Sprintf("/dev/%s", id)
	doc := deviceDescription(id, baseURL, snap.DisplayName, snap.Kind != "local_speaker")
	w.Header().Set("Content-Type", "text/xml; charset=\"utf-8\"")
	_, _ = w.Write([]byte(doc))
}

func (s *Service) publish(deviceID string, cmd virtualdevice.Command) {
	cmd.DeviceID = deviceID
	s.bus.Publish(eventbus.Event{Type: cmd.Type, DeviceID: deviceID, Payload: cmd})
}

// --- AVTransport ---

type setAVTransportURIRequest struct {
	XMLName            xml.Name `xml:"SetAVTransportURI"`
	CurrentURI         string   `xml:"CurrentURI"`
	CurrentURIMetaData string   `xml:"CurrentURIMetaData"`
}

type seekRequest struct {
	XMLName xml.Name `xml:"Seek"`
	Unit    string   `xml:"Unit"`
	Target  string   `xml:"Target"`
}

func (s *Service) handleAVTransportControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		http.NotFound(w, r)
		return
	}

	action := soapActionName(r.Header.Get("SOAPACTION"))
	switch action {
	case "SetAVTransportURI":
		var req setAVTransportURIRequest
		if err := decodeSOAPAction(r, &req); err != nil || req.CurrentURI == "" {
			writeSOAPFault(w, upnpErrorInvalidArgs, "CurrentURI is required")
			return
		}
		s.publish(id, virtualdevice.Command{
			Type: eventbus.CmdSetURI, URI: req.CurrentURI,
			Metadata: virtualdevice.Metadata{Title: req.CurrentURIMetaData},
		})
		writeSOAPResponse(w, serviceTypeAVTransport, action, nil)

	case "Play":
		s.publish(id, virtualdevice.Command{Type: eventbus.CmdPlay})
		writeSOAPResponse(w, serviceTypeAVTransport, action, nil)

	case "Pause":
		s.publish(id, virtualdevice.Command{Type: eventbus.CmdPause})
		writeSOAPResponse(w, serviceTypeAVTransport, action, nil)

	case "Stop":
		s.publish(id, virtualdevice.Command{Type: eventbus.CmdStop})
		writeSOAPResponse(w, serviceTypeAVTransport, action, nil)

	case "Seek":
		var req seekRequest
		if err := decodeSOAPAction(r, &req); err != nil {
			writeSOAPFault(w, upnpErrorInvalidArgs, "malformed Seek request")
			return
		}
		if req.Unit != "REL_TIME" {
			writeSOAPFault(w, upnpErrorInvalidArgs, "only REL_TIME seek is supported")
			return
		}
		pos, err := parseHMS(req.Target)
		if err != nil {
			writeSOAPFault(w, upnpErrorInvalidArgs, err.Error())
			return
		}
		s.publish(id, virtualdevice.Command{Type: eventbus.CmdSeek, SeekSeconds: pos})
		writeSOAPResponse(w, serviceTypeAVTransport, action, nil)

	case "GetPositionInfo":
		snap, _ := s.registry.Get(id)
		writeSOAPResponse(w, serviceTypeAVTransport, action, [][2]string{
			{"Track", "1"},
			{"TrackDuration", formatHMS(snap.DurationS)},
			{"TrackMetaData", snap.Metadata.Title},
			{"TrackURI", snap.URI},
			{"RelTime", formatHMS(snap.ElapsedS)},
			{"AbsTime", formatHMS(snap.ElapsedS)},
		})

	case "GetTransportInfo":
		snap, _ := s.registry.Get(id)
		writeSOAPResponse(w, serviceTypeAVTransport, action, [][2]string{
			{"CurrentTransportState", string(snap.TransportState)},
			{"CurrentTransportStatus", "OK"},
			{"CurrentSpeed", "1"},
		})

	case "GetMediaInfo":
		snap, _ := s.registry.Get(id)
		writeSOAPResponse(w, serviceTypeAVTransport, action, [][2]string{
			{"NrTracks", "1"},
			{"MediaDuration", formatHMS(snap.DurationS)},
			{"CurrentURI", snap.URI},
			{"CurrentURIMetaData", snap.Metadata.Title},
			{"PlayMedium", "NETWORK"},
		})

	default:
		writeSOAPFault(w, upnpErrorInvalidAction, fmt.Sprintf("unsupported action %q", action))
	}
}

// --- RenderingControl ---

type setVolumeRequest struct {
	XMLName       xml.Name `xml:"SetVolume"`
	DesiredVolume int      `xml:"DesiredVolume"`
}

type setMuteRequest struct {
	XMLName     xml.Name `xml:"SetMute"`
	DesiredMute string   `xml:"DesiredMute"`
}

func (s *Service) handleRenderingControlControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		http.NotFound(w, r)
		return
	}

	action := soapActionName(r.Header.Get("SOAPACTION"))
	switch action {
	case "SetVolume":
		var req setVolumeRequest
		if err := decodeSOAPAction(r, &req); err != nil || req.DesiredVolume < 0 || req.DesiredVolume > 100 {
			writeSOAPFault(w, upnpErrorInvalidArgs, "DesiredVolume must be 0..100")
			return
		}
		s.publish(id, virtualdevice.Command{Type: eventbus.CmdSetVolume, Volume: req.DesiredVolume})
		writeSOAPResponse(w, serviceTypeRenderingControl, action, nil)

	case "GetVolume":
		snap, _ := s.registry.Get(id)
		writeSOAPResponse(w, serviceTypeRenderingControl, action, [][2]string{
			{"CurrentVolume", fmt.Sprintf("%d", snap.Volume)},
		})

	case "SetMute":
		var req setMuteRequest
		if err := decodeSOAPAction(r, &req); err != nil {
			writeSOAPFault(w, upnpErrorInvalidArgs, "malformed SetMute request")
			return
		}
		s.publish(id, virtualdevice.Command{Type: eventbus.CmdSetMute, Muted: req.DesiredMute == "1" || req.DesiredMute == "true"})
		writeSOAPResponse(w, serviceTypeRenderingControl, action, nil)

	case "GetMute":
		snap, _ := s.registry.Get(id)
		muted := "0"
		if snap.Muted {
			muted = "1"
		}
		writeSOAPResponse(w, serviceTypeRenderingControl, action, [][2]string{{"CurrentMute", muted}})

	default:
		writeSOAPFault(w, upnpErrorInvalidAction, fmt.Sprintf("unsupported action %q", action))
	}
}

// --- ConnectionManager ---

// handleConnectionManagerControl answers the minimal, static connection
// table a single-sink-per-device MediaRenderer needs for conformance;
// there is exactly one (fixed) connection, never torn down or renegotiated.
func (s *Service) handleConnectionManagerControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		http.NotFound(w, r)
		return
	}

	action := soapActionName(r.Header.Get("SOAPACTION"))
	switch action {
	case "GetProtocolInfo":
		writeSOAPResponse(w, serviceTypeConnectionManager, action, [][2]string{
			{"Source", ""},
			{"Sink", "http-get:*:audio/*:*"},
		})
	case "GetCurrentConnectionIDs":
		writeSOAPResponse(w, serviceTypeConnectionManager, action, [][2]string{{"ConnectionIDs", "0"}})
	case "GetCurrentConnectionInfo":
		writeSOAPResponse(w, serviceTypeConnectionManager, action, [][2]string{
			{"RcsID", "0"},
			{"AVTransportID", "0"},
			{"ProtocolInfo", ""},
			{"PeerConnectionManager", ""},
			{"PeerConnectionID", "-1"},
			{"Direction", "Input"},
			{"Status", "OK"},
		})
	default:
		writeSOAPFault(w, upnpErrorInvalidAction, fmt.Sprintf("unsupported action %q", action))
	}
}

// --- GENA subscribe/unsubscribe ---

func (s *Service) subscribeHandler(serviceType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := s.registry.Get(id); !ok {
			http.NotFound(w, r)
			return
		}

		if sid := r.Header.Get("SID"); sid != "" {
			sub, ok := s.gena.Renew(sid, s.notify)
			if !ok {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.Header().Set("SID", sub.SID)
			w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", int(s.notify.Seconds())))
			w.WriteHeader(http.StatusOK)
			return
		}

		callback := extractCallback(r.Header.Get("CALLBACK"))
		if callback == "" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		sub := s.gena.Subscribe(id, serviceType, callback, s.notify)
		w.Header().Set("SID", sub.SID)
		w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", int(s.notify.Seconds())))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Service) unsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get("SID")
		if sid == "" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		s.gena.Unsubscribe(sid)
		w.WriteHeader(http.StatusOK)
	}
}

// extractCallback pulls the URL out of a GENA CALLBACK header of the
// form `<http://host:port/path>`.
func extractCallback(header string) string {
	start := strings.IndexByte(header, '<')
	end := strings.IndexByte(header, '>')
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return header[start+1 : end]
}

