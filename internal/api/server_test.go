package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/engine"
	"github.com/campusnet/chatsync/internal/loop"
	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/campusnet/chatsync/internal/rest"
	"github.com/campusnet/chatsync/internal/rest/resttest"
	"github.com/campusnet/chatsync/internal/search"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// offlineStream is a realtime stream that never comes up.
type offlineStream struct{}

func (offlineStream) SendMessage(context.Context, string, string) (string, error) {
	return "", syncerr.ErrTransportUnavailable
}
func (offlineStream) SetTyping(context.Context, bool) error { return syncerr.ErrTransportUnavailable }
func (offlineStream) AddReaction(context.Context, string, string) error {
	return syncerr.ErrTransportUnavailable
}
func (offlineStream) RemoveReaction(context.Context, string, string) error {
	return syncerr.ErrTransportUnavailable
}
func (offlineStream) Close() {}

type offlineChannel struct{}

func (offlineChannel) Connect(context.Context, string) engine.Stream { return offlineStream{} }

type fixture struct {
	client *Client
	bus    *bus.Bus
	srv    *resttest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	backend := resttest.New("tok", "me")
	t.Cleanup(backend.Close)
	base := time.Now().Add(-time.Hour).UTC()
	backend.AddConversation(protocol.Conversation{ID: "c1", Kind: "private", UnreadCount: 1})
	backend.AddConversation(protocol.Conversation{ID: "c2", Kind: "private"})
	backend.AddMessage(protocol.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hello", CreatedAt: base})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New()
	eng := engine.New(engine.Config{Viewer: "me"}, loop.New(), b, offlineChannel{},
		rest.New(rest.Config{BaseURL: backend.URL, Token: "tok"}, nil), zap.NewNop())
	eng.Start(ctx)
	t.Cleanup(eng.Stop)
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	idx, err := search.Open()
	if err != nil {
		t.Fatalf("search.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	subs := b.Subscribers()
	go search.NewIndexer(idx, b, nil).Run(ctx)
	eventually(t, "indexer subscription", func() bool { return b.Subscribers() > subs })

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterChatServer(gs, NewServer("test", eng, idx, b, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{client: NewClient(conn), bus: b, srv: backend}
}

func assertCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("code = %v (%v), want %v", got, err, want)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatusAndConversations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	st, err := f.client.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Session != "test" || st.Viewer != "me" || st.Conversations != 2 || st.ChannelState != "IDLE" {
		t.Errorf("status = %+v", st)
	}

	resp, err := f.client.ListConversations(ctx, "private")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(resp.Conversations) != 2 || resp.Conversations[0].ID != "c1" {
		t.Errorf("conversations = %+v, want c1 (unread) first", resp.Conversations)
	}

	_, err = f.client.ListConversations(ctx, "starred")
	assertCode(t, err, codes.InvalidArgument)
}

func TestErrorCodes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.client.ListMessages(ctx, "")
	assertCode(t, err, codes.FailedPrecondition)

	_, err = f.client.SendMessage(ctx, "hi")
	assertCode(t, err, codes.FailedPrecondition)

	assertCode(t, f.client.OpenConversation(ctx, "nope"), codes.NotFound)
	assertCode(t, f.client.OpenConversation(ctx, ""), codes.InvalidArgument)

	if err := f.client.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	_, err = f.client.SendMessage(ctx, "   ")
	assertCode(t, err, codes.InvalidArgument)

	eventually(t, "history", func() bool {
		resp, err := f.client.ListMessages(ctx, "")
		return err == nil && len(resp.Messages) == 1
	})
	assertCode(t, f.client.EditMessage(ctx, "m1", "changed"), codes.PermissionDenied)
	assertCode(t, f.client.DeleteMessage(ctx, "missing"), codes.NotFound)

	_, err = f.client.ToggleFlag(ctx, "c1", "starred")
	assertCode(t, err, codes.InvalidArgument)
	_, err = f.client.SearchMessages(ctx, "", "", 0)
	assertCode(t, err, codes.InvalidArgument)
}

func TestSendIsStreamedAndIndexed(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.client.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	before := f.bus.Subscribers()
	stream, err := f.client.WatchEvents(ctx, engine.EventMessageMerged)
	if err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}
	eventually(t, "watch subscription", func() bool { return f.bus.Subscribers() > before })

	ph, err := f.client.SendMessage(ctx, "lunch at noon?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !ph.Pending || ph.SenderID != "me" {
		t.Errorf("placeholder = %+v", ph)
	}

	for {
		evt, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if evt.Kind != engine.EventMessageMerged || evt.Message == nil {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.MessageID == "srv-1" {
			if evt.Message.Content != "lunch at noon?" || evt.ID == "" {
				t.Errorf("merged = %+v", evt)
			}
			break
		}
	}

	eventually(t, "search hit", func() bool {
		hits, err := f.client.SearchMessages(ctx, "LUNCH", "c1", 0)
		return err == nil && len(hits) == 1 && hits[0].MessageID == "srv-1"
	})

	resp, err := f.client.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	last := resp.Messages[len(resp.Messages)-1]
	if last.ID != "srv-1" || last.Pending {
		t.Errorf("last message = %+v, want delivered srv-1", last)
	}
}

func TestToggleReactionAndFlag(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.client.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "history", func() bool {
		resp, err := f.client.ListMessages(ctx, "")
		return err == nil && len(resp.Messages) == 1
	})

	present, err := f.client.ToggleReaction(ctx, "m1", "👍")
	if err != nil || !present {
		t.Fatalf("ToggleReaction = %v, %v; want true", present, err)
	}
	eventually(t, "reaction on server", func() bool {
		m, ok := f.srv.Message("c1", "m1")
		return ok && len(m.Reactions) == 1
	})

	pinned, err := f.client.ToggleFlag(ctx, "c2", "pinned")
	if err != nil || !pinned {
		t.Fatalf("ToggleFlag = %v, %v; want true", pinned, err)
	}
	resp, err := f.client.ListConversations(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Conversations[0].ID != "c2" || !resp.Conversations[0].Pinned {
		t.Errorf("pinned conversation should sort first: %+v", resp.Conversations)
	}

	if err := f.client.CloseConversation(ctx); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	_, err = f.client.ListMessages(ctx, "")
	assertCode(t, err, codes.FailedPrecondition)
}
