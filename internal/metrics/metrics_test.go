package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/status"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestObserverCounters(t *testing.T) {
	m := New()
	m.Merged("channel", "inserted")
	m.Merged("channel", "inserted")
	m.Merged("rest", "unchanged")
	m.Conflict()
	m.Notice("send_message")
	m.RESTCall("messages", nil)
	m.RESTCall("messages", errors.New("boom"))
	m.Dropped("engine.messages_changed")

	out := scrape(t, m)
	for _, want := range []string{
		`chatsync_merges_total{outcome="inserted",source="channel"} 2`,
		`chatsync_merges_total{outcome="unchanged",source="rest"} 1`,
		`chatsync_merge_conflicts_total 1`,
		`chatsync_notices_total{op="send_message"} 1`,
		`chatsync_rest_calls_total{op="messages",result="error"} 1`,
		`chatsync_rest_calls_total{op="messages",result="ok"} 1`,
		`chatsync_bus_dropped_total{kind="engine.messages_changed"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestWatchChannelState(t *testing.T) {
	m := New()
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, b)

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Emit(status.EventKind, status.Change{From: status.Connecting, To: status.Live, ConversationID: "c1"})

	for time.Now().Before(deadline) {
		out := scrape(t, m)
		if strings.Contains(out, "chatsync_channel_live 1") &&
			strings.Contains(out, `chatsync_channel_transitions_total{to="LIVE"} 1`) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("channel state not observed")
}
