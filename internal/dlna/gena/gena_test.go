package gena

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testServiceType = "urn:schemas-upnp-org:service:AVTransport:1"

func TestSubscribeUnsubscribe(t *testing.T) {
	table := NewTable(NewNotifier(time.Second), nil)

	sub := table.Subscribe("dev-A", testServiceType, "http://127.0.0.1:1/cb", time.Minute)
	if sub.SID == "" {
		t.Fatal("expected non-empty SID")
	}
	if got, ok := table.BySID(sub.SID); !ok || got != sub {
		t.Fatal("expected BySID to find the subscription")
	}

	table.Unsubscribe(sub.SID)
	if _, ok := table.BySID(sub.SID); ok {
		t.Fatal("expected subscription to be gone after Unsubscribe")
	}
}

func TestRenewPreservesSID(t *testing.T) {
	table := NewTable(NewNotifier(time.Second), nil)
	sub := table.Subscribe("dev-A", testServiceType, "http://127.0.0.1:1/cb", time.Second)

	renewed, ok := table.Renew(sub.SID, time.Minute)
	if !ok {
		t.Fatal("expected Renew to find the subscription")
	}
	if renewed.SID != sub.SID {
		t.Fatalf("renewal must preserve SID: got %s, want %s", renewed.SID, sub.SID)
	}
	if !renewed.Expiry.After(time.Now().Add(30 * time.Second)) {
		t.Fatal("expected Renew to push expiry forward")
	}
}

func TestForDeviceExpiresStaleSubscriptions(t *testing.T) {
	table := NewTable(NewNotifier(time.Second), nil)
	sub := table.Subscribe("dev-A", testServiceType, "http://127.0.0.1:1/cb", -time.Second)

	matches := table.ForDevice("dev-A", testServiceType)
	if len(matches) != 0 {
		t.Fatalf("expected expired subscription to be pruned, got %d matches", len(matches))
	}
	if _, ok := table.BySID(sub.SID); ok {
		t.Fatal("expected expired subscription removed from table")
	}
}

func TestNotifySeqStrictlyIncreasing(t *testing.T) {
	var mu sync.Mutex
	var seqs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seqs = append(seqs, r.Header.Get("SEQ"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := NewTable(NewNotifier(time.Second), nil)
	table.Subscribe("dev-A", testServiceType, srv.URL, time.Minute)

	for i := 0; i < 3; i++ {
		table.Publish("dev-A", testServiceType, []byte("<Event/>"))
	}
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1", "2", "3"}
	for i, s := range seqs {
		if s != want[i] {
			t.Fatalf("seq[%d] = %s, want %s", i, s, want[i])
		}
	}
}

func TestNotifyFailureDropsSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	table := NewTable(NewNotifier(time.Second), nil)
	sub := table.Subscribe("dev-A", testServiceType, srv.URL, time.Minute)

	table.Publish("dev-A", testServiceType, []byte("<Event/>"))

	waitUntil(t, func() bool {
		_, ok := table.BySID(sub.SID)
		return !ok
	})
}

func TestNotifyWrapsErrNotifyFailed(t *testing.T) {
	notifier := NewNotifier(50 * time.Millisecond)
	sub := &Subscription{SID: "uuid:test", Callback: "http://127.0.0.1:1/unreachable"}

	err := notifier.Notify(context.Background(), sub, []byte("<Event/>"))
	if !errors.Is(err, ErrNotifyFailed) {
		t.Fatalf("expected ErrNotifyFailed, got %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
