package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/campusnet/chatsync/internal/api"
	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/config"
	"github.com/campusnet/chatsync/internal/engine"
	"github.com/campusnet/chatsync/internal/loop"
	"github.com/campusnet/chatsync/internal/metrics"
	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/campusnet/chatsync/internal/realtime"
	"github.com/campusnet/chatsync/internal/rest"
	"github.com/campusnet/chatsync/internal/rest/resttest"
	"github.com/campusnet/chatsync/internal/search"
	"github.com/campusnet/chatsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// shortTempDir keeps socket paths under the 104-char Unix socket limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testEngine(t *testing.T) (*engine.Engine, *bus.Bus) {
	t.Helper()
	backend := resttest.New("tok", "me")
	t.Cleanup(backend.Close)
	backend.AddConversation(protocol.Conversation{ID: "c1", Kind: "private"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New()
	rt := realtime.New(realtime.Config{URL: "ws://127.0.0.1:1"}, b, status.NewMachine(b), zap.NewNop())
	eng := engine.New(engine.Config{Viewer: "me"}, loop.New(), b, engine.RealtimeChannel(rt),
		rest.New(rest.Config{BaseURL: backend.URL, Token: "tok"}, nil), zap.NewNop())
	eng.Start(ctx)
	t.Cleanup(eng.Stop)
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return eng, b
}

func TestServerServesChatOverSocket(t *testing.T) {
	dir := shortTempDir(t, "chatsync-test-*")
	socketPath := filepath.Join(dir, "d.sock")

	// A stale socket file from a crashed daemon is replaced.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	eng, b := testEngine(t)
	idx, err := search.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(),
		api.NewServer("test", eng, idx, b, nil))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	resp, err := client.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	if resp.Session != "test" || resp.Conversations != 1 {
		t.Errorf("status = %+v, want session test with 1 conversation", resp)
	}

	convs, err := client.ListConversations(context.Background(), "")
	if err != nil {
		t.Fatalf("ListConversations error = %v", err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].ID != "c1" {
		t.Errorf("conversations = %+v", convs.Conversations)
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	dir := shortTempDir(t, "chatsync-stop-*")
	socketPath := filepath.Join(dir, "d.sock")

	eng, b := testEngine(t)
	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(),
		api.NewServer("test", eng, nil, b, nil))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	srv.Stop(context.Background())

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after Stop: %v", err)
	}
}

func TestDebugRoutes(t *testing.T) {
	eng, _ := testEngine(t)
	m := metrics.New()
	m.Merged("rest", "inserted")

	ts := httptest.NewServer(debugRoutes(m, eng))
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["viewer"] != "me" || health["channel_state"] != "IDLE" {
		t.Errorf("healthz = %d %v", resp.StatusCode, health)
	}

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `chatsync_merges_total{outcome="inserted",source="rest"} 1`) {
		t.Errorf("metrics missing merge counter:\n%s", body)
	}
}

func TestDebugServerDisabledWithoutAddress(t *testing.T) {
	d := NewDebugServer(config.Default(), metrics.New(), nil, zap.NewNop())
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	if d.Addr() != "" {
		t.Errorf("Addr() = %q, want empty", d.Addr())
	}
	d.Stop(context.Background())
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	dir := shortTempDir(t, "chatsync-fx-*")
	cfg := config.Default()
	cfg.Viewer = "me"
	cfg.Backend.BaseURL = "http://127.0.0.1:1"
	cfg.Backend.StreamURL = "ws://127.0.0.1:1"

	p := Params{SessionName: "fxtest", SocketPath: filepath.Join(dir, "d.sock"), Config: cfg}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestProvideConfigValidates(t *testing.T) {
	if _, err := provideConfig(Params{Config: config.Default()}); err == nil {
		t.Error("provideConfig() accepted a config without viewer")
	}
}
