// Package gena implements UPnP GENA eventing: subscription bookkeeping
// and the NOTIFY sender that delivers a device's state changes to every
// subscribed control point. The notify request is built the way a typed
// REST client builds one (http.NewRequestWithContext over a bounded
// http.Client), just pushing an outbound event instead of polling.
package gena

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotifyFailed wraps any failure delivering a NOTIFY to a subscriber's
// callback URL, so the dispatcher can classify and log the drop instead
// of matching on message text.
var ErrNotifyFailed = errors.New("gena: notify delivery failed")

// Subscription is one GENA client's standing interest in a device's
// service events.
type Subscription struct {
	SID         string
	DeviceID    string
	ServiceType string // e.g. "urn:schemas-upnp-org:service:AVTransport:1"
	Callback    string
	Expiry      time.Time

	mu  sync.Mutex
	seq uint32

	queue chan []byte
	done  chan struct{}
}

// nextSeq returns the next monotonically increasing NOTIFY sequence
// number for this subscription, wrapping per the GENA spec's 32-bit
// rollover (0 is reserved for the initial event, so it is skipped).
func (s *Subscription) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.seq == 0 {
		s.seq = 1
	}
	return s.seq
}

// Table tracks every live GENA subscription, keyed by SID.
type Table struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	notifier *Notifier
	log      *slog.Logger
}

// NewTable returns an empty subscription table that delivers NOTIFYs
// through notifier.
func NewTable(notifier *Notifier, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{subs: make(map[string]*Subscription), notifier: notifier, log: log}
}

// Subscribe registers a new subscription and starts its dispatch
// goroutine, so a stalled or unreachable callback only ever backs up its
// own queue and never another subscriber's delivery.
func (t *Table) Subscribe(deviceID, serviceType, callback string, timeout time.Duration) *Subscription {
	sub := &Subscription{
		SID:         "uuid:" + uuid.NewString(),
		DeviceID:    deviceID,
		ServiceType: serviceType,
		Callback:    callback,
		Expiry:      time.Now().Add(timeout),
		queue:       make(chan []byte, 16),
		done:        make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[sub.SID] = sub
	t.mu.Unlock()

	go t.dispatch(sub)
	return sub
}

func (t *Table) dispatch(sub *Subscription) {
	for {
		select {
		case body, ok := <-sub.queue:
			if !ok {
				return
			}
			if err := t.notifier.Notify(context.Background(), sub, body); err != nil {
				t.log.Warn("gena notify failed, dropping subscription",
					"sid", sub.SID, "device_id", sub.DeviceID, "error", err)
				t.Unsubscribe(sub.SID)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// Renew extends an existing subscription's expiry. Renewal never changes
// the SID.
func (t *Table) Renew(sid string, timeout time.Duration) (*Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[sid]
	if !ok {
		return nil, false
	}
	sub.Expiry = time.Now().Add(timeout)
	return sub, true
}

// Unsubscribe removes a subscription and stops its dispatch goroutine.
// Safe to call more than once for the same SID.
func (t *Table) Unsubscribe(sid string) {
	t.mu.Lock()
	sub, ok := t.subs[sid]
	if ok {
		delete(t.subs, sid)
	}
	t.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// BySID looks up a subscription by its SID.
func (t *Table) BySID(sid string) (*Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[sid]
	return sub, ok
}

// ForDevice returns every live, unexpired subscription for deviceID's
// serviceType, for the dispatcher to fan a LastChange body out to.
func (t *Table) ForDevice(deviceID, serviceType string) []*Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]*Subscription, 0, len(t.subs))
	for sid, sub := range t.subs {
		if sub.DeviceID != deviceID || sub.ServiceType != serviceType {
			continue
		}
		if now.After(sub.Expiry) {
			delete(t.subs, sid)
			close(sub.done)
			continue
		}
		out = append(out, sub)
	}
	return out
}

// Publish enqueues body for delivery to every live subscription for
// deviceID/serviceType. Publish never blocks on a slow subscriber: a
// full queue drops the event for that subscriber only.
func (t *Table) Publish(deviceID, serviceType string, body []byte) {
	for _, sub := range t.ForDevice(deviceID, serviceType) {
		select {
		case sub.queue <- body:
		default:
			t.log.Warn("gena subscriber queue full, dropping event", "sid", sub.SID, "device_id", deviceID)
		}
	}
}

// Notifier delivers one GENA NOTIFY HTTP request per call, over a bounded
// http.Client: http.NewRequestWithContext, a single Do, then an explicit
// status check.
type Notifier struct {
	httpClient *http.Client
}

// NewNotifier returns a Notifier whose NOTIFY requests time out after
// timeout (5s if unset).
func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{httpClient: &http.Client{Timeout: timeout}}
}

// Notify sends one NOTIFY request to sub.Callback carrying body as the
// event XML, with a freshly incremented, strictly monotonic SEQ header.
func (n *Notifier) Notify(ctx context.Context, sub *Subscription, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "NOTIFY", sub.Callback, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrNotifyFailed, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	req.Header.Set("SID", sub.SID)
	req.Header.Set("SEQ", fmt.Sprintf("%d", sub.nextSeq()))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotifyFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: callback returned status %d", ErrNotifyFailed, resp.StatusCode)
	}
	return nil
}
