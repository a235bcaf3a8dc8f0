package rest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/campusnet/chatsync/internal/rest/resttest"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (*resttest.Server, *Client) {
	t.Helper()
	srv := resttest.New("secret", "me")
	t.Cleanup(srv.Close)

	group := "grp-1"
	srv.AddConversation(protocol.Conversation{ID: "c1", Kind: "private"})
	srv.AddConversation(protocol.Conversation{ID: "c2", Kind: "group", GroupID: &group, Archived: true})
	for i, id := range []string{"m1", "m2", "m3"} {
		srv.AddMessage(protocol.Message{
			ID: id, ConversationID: "c1", SenderID: "u2", Content: id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return srv, New(Config{BaseURL: srv.URL, Token: "secret"}, zap.NewNop())
}

func TestListConversations(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	active, err := c.ListConversations(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "c1" || active[0].GroupID != "" {
		t.Errorf("active = %+v", active)
	}
	archived, err := c.ListConversations(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].GroupID != "grp-1" || !archived[0].Flags.Archived {
		t.Errorf("archived = %+v", archived)
	}
}

func TestMessagesAreAscending(t *testing.T) {
	_, c := seeded(t)
	msgs, err := c.Messages(context.Background(), "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Errorf("messages = %v, want [m2 m3]", msgs)
	}
}

func TestMutationsReturnCanonical(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	sent, err := c.SendMessage(ctx, "c1", "hello", "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID == "" || sent.ClientID != "tok-1" || sent.SenderID != "me" {
		t.Errorf("sent = %+v", sent)
	}

	edited, err := c.EditMessage(ctx, "c1", "m1", "m1 fixed")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "m1 fixed" || edited.EditedAt == nil {
		t.Errorf("edited = %+v", edited)
	}

	reacted, err := c.AddReaction(ctx, "c1", "m2", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if !reacted.HasReaction("me", "👍") {
		t.Errorf("reactions = %v", reacted.Reactions)
	}
	unreacted, err := c.RemoveReaction(ctx, "c1", "m2", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if len(unreacted.Reactions) != 0 {
		t.Errorf("reactions after remove = %v", unreacted.Reactions)
	}

	read, err := c.MarkRead(ctx, "c1", "m3")
	if err != nil {
		t.Fatal(err)
	}
	if !read.IsReadBy("me") {
		t.Errorf("read_by = %v", read.ReadBy)
	}

	deleted, err := c.DeleteMessage(ctx, "c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted.DeletedForAll || deleted.Content != "" {
		t.Errorf("deleted = %+v", deleted)
	}

	conv, err := c.SetFlag(ctx, "c1", model.FlagPinned, true)
	if err != nil {
		t.Fatal(err)
	}
	if !conv.Flags.Pinned {
		t.Errorf("flags = %+v", conv.Flags)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, c := seeded(t)
	ctx := context.Background()

	if _, err := c.Messages(ctx, "nope", 10); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("unknown conversation err = %v, want ErrNotFound", err)
	}

	srv.FailNext(http.MethodPost, "/conversations/{id}/messages", http.StatusForbidden)
	if _, err := c.SendMessage(ctx, "c1", "x", ""); !errors.Is(err, syncerr.ErrUnauthorized) {
		t.Errorf("403 err = %v, want ErrUnauthorized", err)
	}

	srv.FailNext(http.MethodPost, "/conversations/{id}/messages", http.StatusBadGateway)
	_, err := c.SendMessage(ctx, "c1", "x", "")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Errorf("502 err = %v, want *StatusError", err)
	}

	bad := New(Config{BaseURL: srv.URL, Token: "wrong"}, nil)
	if _, err := bad.ListConversations(ctx, false); !errors.Is(err, syncerr.ErrUnauthorized) {
		t.Errorf("bad token err = %v, want ErrUnauthorized", err)
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	srv, _ := seeded(t)
	c := New(Config{BaseURL: srv.URL, Token: "secret", RPS: 0.001, Burst: 1}, nil)

	if _, err := c.ListConversations(context.Background(), false); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ListConversations(ctx, false); err == nil {
		t.Error("second call should be refused by the limiter")
	}
	if n := len(srv.Calls()); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}
