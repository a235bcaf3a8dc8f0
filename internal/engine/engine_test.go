package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/convstore"
	"github.com/campusnet/chatsync/internal/loop"
	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/campusnet/chatsync/internal/rest"
	"github.com/campusnet/chatsync/internal/rest/resttest"
	"github.com/campusnet/chatsync/internal/status"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeStream struct {
	conversationID string

	mu        sync.Mutex
	sendErr   error
	ackID     string
	sent      []protocol.SendMessage
	typing    []bool
	reactions []string
	closed    bool
}

func (s *fakeStream) SendMessage(ctx context.Context, content, clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, protocol.SendMessage{Content: content, ClientID: clientID})
	return s.ackID, nil
}

func (s *fakeStream) SetTyping(ctx context.Context, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, active)
	return nil
}

func (s *fakeStream) AddReaction(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, "+"+emoji)
	return nil
}

func (s *fakeStream) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, "-"+emoji)
	return nil
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type fakeChannel struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (c *fakeChannel) Connect(ctx context.Context, conversationID string) Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeStream{conversationID: conversationID}
	c.streams = append(c.streams, s)
	return s
}

func (c *fakeChannel) last() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[len(c.streams)-1]
}

type harness struct {
	t   *testing.T
	ctx context.Context
	srv *resttest.Server
	clk *loop.Manual
	bus *bus.Bus
	ch  *fakeChannel
	e   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := startHarness(t)
	if err := h.e.Bootstrap(h.ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return h
}

// startHarness runs an engine whose conversation list is not loaded yet.
func startHarness(t *testing.T) *harness {
	t.Helper()
	srv := resttest.New("tok", "me")
	t.Cleanup(srv.Close)
	srv.AddConversation(protocol.Conversation{ID: "c1", Kind: "private", UnreadCount: 2})
	srv.AddConversation(protocol.Conversation{ID: "c2", Kind: "private"})
	srv.AddMessage(protocol.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hey", CreatedAt: base})
	srv.AddMessage(protocol.Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "there", CreatedAt: base.Add(time.Second)})

	clk := loop.NewManual(base)
	l := loop.New(loop.WithClock(clk), loop.WithInlineAsync())
	b := bus.New()
	ch := &fakeChannel{}
	backend := rest.New(rest.Config{BaseURL: srv.URL, Token: "tok"}, nil)
	e := New(Config{Viewer: "me"}, l, b, ch, backend, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	t.Cleanup(e.Stop)
	return &harness{t: t, ctx: ctx, srv: srv, clk: clk, bus: b, ch: ch, e: e}
}

// flush waits until every continuation queued so far has run.
func (h *harness) flush() {
	h.t.Helper()
	if err := h.e.loop.Call(h.ctx, func() {}); err != nil {
		h.t.Fatalf("flush: %v", err)
	}
}

func (h *harness) open(id string) {
	h.t.Helper()
	if err := h.e.Open(h.ctx, id); err != nil {
		h.t.Fatalf("Open(%s): %v", id, err)
	}
	h.flush()
}

func (h *harness) inbound(typ string, body any) {
	h.t.Helper()
	evt := bus.Event{Kind: "channel." + typ, Payload: protocol.Event{ConversationID: h.e.Current(h.ctx), Type: typ, Body: body}}
	if err := h.e.loop.Call(h.ctx, func() { h.e.handle(evt) }); err != nil {
		h.t.Fatal(err)
	}
	h.flush()
}

func (h *harness) setState(to status.State) {
	h.t.Helper()
	change := status.Change{To: to, ConversationID: h.e.Current(h.ctx)}
	if err := h.e.loop.Call(h.ctx, func() { h.e.handle(bus.Event{Kind: status.EventKind, Payload: change}) }); err != nil {
		h.t.Fatal(err)
	}
	h.flush()
}

func (h *harness) messages() []*model.Message {
	h.t.Helper()
	views, err := h.e.Messages(h.ctx, "")
	if err != nil {
		h.t.Fatalf("Messages: %v", err)
	}
	out := make([]*model.Message, len(views))
	for i, v := range views {
		out[i] = v.Message
	}
	return out
}

func (h *harness) message(id string) *model.Message {
	h.t.Helper()
	for _, m := range h.messages() {
		if m.ID == id {
			return m
		}
	}
	h.t.Fatalf("message %s not found", id)
	return nil
}

func (h *harness) count(call string) int {
	n := 0
	for _, c := range h.srv.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func waitNotice(t *testing.T, ch <-chan bus.Event) syncerr.Notice {
	t.Helper()
	select {
	case evt := <-ch:
		return evt.Payload.(syncerr.Notice)
	case <-time.After(2 * time.Second):
		t.Fatal("no notice published")
		return syncerr.Notice{}
	}
}

const (
	getMessages       = "GET /conversations/{id}/messages"
	listConversations = "GET /conversations"
	postMessages      = "POST /conversations/{id}/messages"
	markRead          = "POST /conversations/{id}/messages/{mid}/read"
)

func TestOpenFetchesHistoryAndMarksRead(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	msgs := h.messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages = %v", msgs)
	}
	if n := h.count(markRead); n != 2 {
		t.Errorf("mark read calls = %d, want 2", n)
	}
	if m, _ := h.srv.Message("c1", "m2"); !slicesContain(m.ReadBy, "me") {
		t.Errorf("backend read_by = %v", m.ReadBy)
	}

	convs, err := h.e.Conversations(h.ctx, convstore.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range convs {
		if c.ID == "c1" && c.UnreadCount != 0 {
			t.Errorf("c1 unread = %d, want 0", c.UnreadCount)
		}
	}

	// Re-opening a fresh conversation does not refetch or re-confirm.
	h.open("c2")
	h.open("c1")
	if n := h.count(markRead); n != 2 {
		t.Errorf("mark read calls after reopen = %d, want 2", n)
	}
}

func TestOpenUnknownConversation(t *testing.T) {
	h := newHarness(t)
	if err := h.e.Open(h.ctx, "nope"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Open(nope) = %v, want ErrNotFound", err)
	}
	if _, err := h.e.Send(h.ctx, "hi"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("Send without conversation = %v", err)
	}
}

func TestSendFallsBackToREST(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	ph, err := h.e.Send(h.ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ph.ID, "tmp-") || !ph.Pending {
		t.Fatalf("placeholder = %+v", ph)
	}
	h.flush()

	msgs := h.messages()
	last := msgs[len(msgs)-1]
	if last.ID != "srv-1" || last.Pending || last.Content != "hello" {
		t.Errorf("last = %+v, want confirmed srv-1", last)
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, "tmp-") {
			t.Errorf("placeholder %s still present", m.ID)
		}
	}
	if len(h.ch.last().sent) != 0 {
		t.Error("channel used while not live")
	}
}

func TestSendOverLiveChannelMatchesEcho(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.setState(status.Live)

	ph, err := h.e.Send(h.ctx, "hi")
	if err != nil {
		t.Fatal(err)
	}
	h.flush()
	stream := h.ch.last()
	if len(stream.sent) != 1 || stream.sent[0].ClientID != ph.ClientID {
		t.Fatalf("channel sends = %+v", stream.sent)
	}
	if h.count(postMessages) != 0 {
		t.Error("REST used while live")
	}
	if m := h.message(ph.ID); !m.Pending {
		t.Errorf("placeholder not pending before echo: %+v", m)
	}

	h.inbound(protocol.TypeMessageCreated, &protocol.Message{
		ID: "srv-echo", ConversationID: "c1", SenderID: "me", Content: "hi",
		CreatedAt: base.Add(time.Minute), ClientID: ph.ClientID,
	})
	msgs := h.messages()
	if len(msgs) != 3 || msgs[2].ID != "srv-echo" || msgs[2].Pending {
		t.Errorf("messages after echo = %v", msgs)
	}
}

func TestChannelAckIDReplacesPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.setState(status.Live)
	h.ch.last().ackID = "srv-ack"

	ph, err := h.e.Send(h.ctx, "on my way")
	if err != nil {
		t.Fatal(err)
	}
	h.flush()

	// The echo is late and lost its client id.
	h.clk.Advance(time.Minute)
	h.inbound(protocol.TypeMessageCreated, &protocol.Message{
		ID: "srv-ack", ConversationID: "c1", SenderID: "me", Content: "on my way",
		CreatedAt: base.Add(time.Minute),
	})
	msgs := h.messages()
	if len(msgs) != 3 || msgs[2].ID != "srv-ack" || msgs[2].Pending {
		t.Errorf("messages = %v, want placeholder %s replaced by srv-ack", msgs, ph.ID)
	}
}

func TestSendUnavailableChannelUsesREST(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.setState(status.Live)
	h.ch.last().sendErr = syncerr.ErrTransportUnavailable

	if _, err := h.e.Send(h.ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if h.count(postMessages) != 1 {
		t.Errorf("REST sends = %d, want 1", h.count(postMessages))
	}
	if m := h.message("srv-1"); m.Pending {
		t.Errorf("srv-1 = %+v", m)
	}
}

func TestSendFailureMarksFailedAndResends(t *testing.T) {
	h := newHarness(t)
	notices, unsub := h.bus.Subscribe(EventNotice, 4)
	defer unsub()
	h.open("c1")

	h.srv.FailNext(http.MethodPost, "/conversations/{id}/messages", http.StatusBadGateway)
	ph, err := h.e.Send(h.ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	h.flush()

	if m := h.message(ph.ID); !m.Failed || m.Pending {
		t.Fatalf("placeholder = %+v, want failed", m)
	}
	n := waitNotice(t, notices)
	if !errors.Is(n, syncerr.ErrSendFailed) || n.MessageID != ph.ID {
		t.Errorf("notice = %v", n)
	}

	if _, err := h.e.Resend(h.ctx, ph.ID); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if m := h.message("srv-1"); m.Failed || m.Pending {
		t.Errorf("resent = %+v", m)
	}
	if _, err := h.e.Resend(h.ctx, "srv-1"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Resend(confirmed) = %v", err)
	}
}

func TestToggleReactionRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	notices, unsub := h.bus.Subscribe(EventNotice, 4)
	defer unsub()
	h.open("c1")

	present, err := h.e.ToggleReaction(h.ctx, "m1", "👍")
	if err != nil || !present {
		t.Fatalf("ToggleReaction = %v, %v", present, err)
	}
	h.flush()
	if !h.message("m1").HasReaction("me", "👍") {
		t.Fatal("reaction not applied")
	}

	h.srv.FailNext(http.MethodDelete, "/conversations/{id}/messages/{mid}/reactions/{emoji}", http.StatusForbidden)
	present, err = h.e.ToggleReaction(h.ctx, "m1", "👍")
	if err != nil || present {
		t.Fatalf("second ToggleReaction = %v, %v", present, err)
	}
	h.flush()
	if !h.message("m1").HasReaction("me", "👍") {
		t.Error("failed removal was not rolled back")
	}
	if n := waitNotice(t, notices); !errors.Is(n, syncerr.ErrUnauthorized) {
		t.Errorf("notice = %v", n)
	}
}

func TestReactionsOverLiveChannel(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.setState(status.Live)

	if err := h.e.AddReaction(h.ctx, "m2", "🎉"); err != nil {
		t.Fatal(err)
	}
	if err := h.e.RemoveReaction(h.ctx, "m2", "🎉"); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if got := h.ch.last().reactions; len(got) != 2 || got[0] != "+🎉" || got[1] != "-🎉" {
		t.Errorf("channel reactions = %v", got)
	}
	if h.message("m2").HasReaction("me", "🎉") {
		t.Error("reaction still present")
	}

	// A late echo of the add, stamped before the removal, loses.
	h.inbound(protocol.TypeReactionAdded, &protocol.ReactionEvent{MessageID: "m2", UserID: "me", Emoji: "🎉", At: base.Add(-time.Second)})
	if h.message("m2").HasReaction("me", "🎉") {
		t.Error("stale echo resurrected the reaction")
	}
}

func TestToggleFlag(t *testing.T) {
	h := newHarness(t)

	pinned, err := h.e.ToggleFlag(h.ctx, "c2", model.FlagPinned)
	if err != nil || !pinned {
		t.Fatalf("ToggleFlag = %v, %v", pinned, err)
	}
	h.flush()
	if c, _ := h.srv.Conversation("c2"); !c.Pinned {
		t.Error("backend not updated")
	}
	convs, _ := h.e.Conversations(h.ctx, convstore.FilterAll)
	if convs[0].ID != "c2" {
		t.Errorf("pinned conversation not first: %s", convs[0].ID)
	}

	h.srv.FailNext(http.MethodPut, "/conversations/{id}/flags/{flag}", http.StatusInternalServerError)
	if _, err := h.e.ToggleFlag(h.ctx, "c1", model.FlagMuted); err != nil {
		t.Fatal(err)
	}
	h.flush()
	convs, _ = h.e.Conversations(h.ctx, convstore.FilterAll)
	for _, c := range convs {
		if c.ID == "c1" && c.Flags.Muted {
			t.Error("failed toggle was not rolled back")
		}
	}

	if _, err := h.e.ToggleFlag(h.ctx, "nope", model.FlagMuted); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("unknown conversation = %v", err)
	}
}

func TestPollsWhileNotLive(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	if n := h.count(getMessages); n != 1 {
		t.Fatalf("initial fetches = %d", n)
	}

	h.clk.Advance(5 * time.Second)
	h.flush()
	if n := h.count(getMessages); n != 2 {
		t.Errorf("fetches after one poll interval = %d, want 2", n)
	}

	h.setState(status.Live)
	h.clk.Advance(15 * time.Second)
	h.flush()
	if n := h.count(getMessages); n != 2 {
		t.Errorf("fetches while live = %d, want 2", n)
	}
}

func TestReconnectCatchesUp(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.setState(status.Live)
	before := h.count(getMessages)

	h.srv.AddMessage(protocol.Message{ID: "m3", ConversationID: "c1", SenderID: "u2", Content: "missed", CreatedAt: base.Add(2 * time.Second)})
	h.setState(status.Reconnecting)
	h.setState(status.Live)

	if n := h.count(getMessages); n != before+1 {
		t.Errorf("fetches = %d, want %d", n, before+1)
	}
	if h.message("m3").Content != "missed" {
		t.Error("missed message not merged")
	}
}

func TestInboundTypingExpires(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe(EventTypingChanged, 8)
	defer unsub()
	h.open("c1")

	h.inbound(protocol.TypeTyping, &protocol.Typing{UserID: "u2", DisplayName: "Ana", Active: true})
	typists, _ := h.e.Typing(h.ctx, "c1")
	if len(typists) != 1 || typists[0].DisplayName != "Ana" {
		t.Fatalf("typing = %v", typists)
	}

	h.clk.Advance(3 * time.Second)
	h.flush()
	if typists, _ := h.e.Typing(h.ctx, "c1"); len(typists) != 0 {
		t.Errorf("typing after timeout = %v", typists)
	}
	if len(events) < 2 {
		t.Errorf("typing events = %d, want start and expiry", len(events))
	}
}

func TestMessageClearsSenderTyping(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	h.inbound(protocol.TypeTyping, &protocol.Typing{UserID: "u2", Active: true})
	h.inbound(protocol.TypeMessageCreated, &protocol.Message{ID: "m9", ConversationID: "c1", SenderID: "u2", Content: "done", CreatedAt: base.Add(time.Minute)})
	if typists, _ := h.e.Typing(h.ctx, "c1"); len(typists) != 0 {
		t.Errorf("typing = %v", typists)
	}
	if n := h.count(markRead); n != 3 {
		t.Errorf("mark read calls = %d, want 3", n)
	}
}

func TestOutboundTyping(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.setState(status.Live)

	for range 5 {
		if err := h.e.TypingInput(h.ctx); err != nil {
			t.Fatal(err)
		}
		h.clk.Advance(500 * time.Millisecond)
	}
	h.clk.Advance(3 * time.Second)
	h.flush()
	if got := h.ch.last().typing; len(got) != 2 || !got[0] || got[1] {
		t.Errorf("set_typing = %v, want [true false]", got)
	}
}

func TestStaleConversationFramesIgnored(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	evt := bus.Event{Kind: "channel.message.created", Payload: protocol.Event{
		ConversationID: "c2", Type: protocol.TypeMessageCreated,
		Body: &protocol.Message{ID: "x", ConversationID: "c2", SenderID: "u2", Content: "late", CreatedAt: base},
	}}
	if err := h.e.loop.Call(h.ctx, func() { h.e.handle(evt) }); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := h.e.Messages(h.ctx, "c2"); len(msgs) != 0 {
		t.Errorf("c2 messages = %v", msgs)
	}
}

func TestFramesForPreviousConversationStillMerge(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	h.open("c2")
	reads := h.count(markRead)

	evt := bus.Event{Kind: "channel.message.created", Payload: protocol.Event{
		ConversationID: "c1", Type: protocol.TypeMessageCreated,
		Body: &protocol.Message{ID: "m5", ConversationID: "c1", SenderID: "u2", Content: "in flight", CreatedAt: base.Add(time.Minute)},
	}}
	if err := h.e.loop.Call(h.ctx, func() { h.e.handle(evt) }); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if n := h.count(markRead); n != reads {
		t.Errorf("mark read calls = %d, want %d for a conversation that is not open", n, reads)
	}

	h.open("c1")
	if m := h.message("m5"); m.Content != "in flight" {
		t.Errorf("m5 = %+v", m)
	}
}

func TestOpenReloadsListAfterFailedBootstrap(t *testing.T) {
	h := startHarness(t)
	h.srv.FailNext(http.MethodGet, "/conversations", http.StatusServiceUnavailable)
	if err := h.e.Bootstrap(h.ctx); err == nil {
		t.Fatal("Bootstrap succeeded against a failing backend")
	}

	h.open("c1")
	if cur := h.e.Current(h.ctx); cur != "c1" {
		t.Errorf("current = %q, want c1", cur)
	}
	convs, _ := h.e.Conversations(h.ctx, convstore.FilterAll)
	if len(convs) != 2 {
		t.Errorf("conversations = %d, want 2", len(convs))
	}
	if err := h.e.Open(h.ctx, "nope"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Open(nope) = %v, want ErrNotFound", err)
	}
}

func TestOpenFindsConversationCreatedAfterBootstrap(t *testing.T) {
	h := newHarness(t)
	h.srv.AddConversation(protocol.Conversation{ID: "c3", Kind: "private", Title: "study group"})

	h.open("c3")
	if cur := h.e.Current(h.ctx); cur != "c3" {
		t.Errorf("current = %q, want c3", cur)
	}
}

func TestPollRefreshesConversationList(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	before := h.count(listConversations)

	h.clk.Advance(5 * time.Second)
	h.flush()
	if n := h.count(listConversations); n != before+2 {
		t.Errorf("list calls = %d, want active and archived reloaded once", n-before)
	}
}

func TestNavigationTearsDownChannel(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	first := h.ch.last()
	h.open("c2")

	if !first.closed {
		t.Error("previous stream not closed")
	}
	if got := h.ch.last().conversationID; got != "c2" {
		t.Errorf("current stream conversation = %s", got)
	}
	if err := h.e.Close(h.ctx); err != nil {
		t.Fatal(err)
	}
	if cur := h.e.Current(h.ctx); cur != "" {
		t.Errorf("current after Close = %q", cur)
	}
}

func TestEditAndDelete(t *testing.T) {
	h := newHarness(t)
	h.open("c1")

	if err := h.e.Edit(h.ctx, "m1", "not mine"); !errors.Is(err, ErrNotAuthor) {
		t.Errorf("Edit(other) = %v, want ErrNotAuthor", err)
	}
	if _, err := h.e.Send(h.ctx, "draft"); err != nil {
		t.Fatal(err)
	}
	h.flush()

	if err := h.e.Edit(h.ctx, "srv-1", "final"); err != nil {
		t.Fatal(err)
	}
	if m := h.message("srv-1"); m.Content != "final" || m.EditedAt == nil {
		t.Errorf("edited = %+v", m)
	}

	if err := h.e.DeleteForAll(h.ctx, "srv-1"); err != nil {
		t.Fatal(err)
	}
	m := h.message("srv-1")
	if !m.DeletedForAll || m.Content != "" {
		t.Errorf("deleted = %+v", m)
	}
	if err := h.e.Edit(h.ctx, "srv-1", "again"); err == nil {
		t.Error("edit of a deleted message succeeded")
	}
}

func TestMarkFollowsReceipts(t *testing.T) {
	h := newHarness(t)
	h.open("c1")
	if _, err := h.e.Send(h.ctx, "seen?"); err != nil {
		t.Fatal(err)
	}
	h.flush()

	if mark, ok, _ := h.e.Mark(h.ctx, "c1", "srv-1"); !ok || mark != model.MarkSingle {
		t.Errorf("mark before receipt = %v %v", mark, ok)
	}
	h.inbound(protocol.TypeReadReceipt, &protocol.ReadReceipt{MessageID: "srv-1", UserID: "u2"})
	if mark, _, _ := h.e.Mark(h.ctx, "c1", "srv-1"); mark != model.MarkDouble {
		t.Errorf("mark after receipt = %v", mark)
	}
	if !h.message("srv-1").IsReadBy("u2") {
		t.Error("read_by not merged")
	}
}

func slicesContain(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
