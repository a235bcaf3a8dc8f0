package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/campusnet/chatsync/internal/api"
	"github.com/campusnet/chatsync/internal/session"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName, from := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v (set by %s)", err, from)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	out := printer{json: *jsonFlag, w: os.Stdout}

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		check(cmdWatch(ctx, c, prefix, out))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "status":
		check(cmdStatus(ctx, c, out))
	case "conversations", "ls":
		filter := ""
		if len(rest) > 0 {
			filter = rest[0]
		}
		check(cmdConversations(ctx, c, filter, out))
	case "open":
		need(rest, 1, "open <conversation-id>")
		check(c.OpenConversation(ctx, rest[0]))
	case "close":
		check(c.CloseConversation(ctx))
	case "messages":
		conv := ""
		if len(rest) > 0 {
			conv = rest[0]
		}
		check(cmdMessages(ctx, c, conv, out))
	case "send":
		need(rest, 1, "send <text>")
		m, err := c.SendMessage(ctx, strings.Join(rest, " "))
		check(err)
		out.message(m)
	case "resend":
		need(rest, 1, "resend <message-id>")
		m, err := c.ResendMessage(ctx, rest[0])
		check(err)
		out.message(m)
	case "edit":
		need(rest, 2, "edit <message-id> <text>")
		check(c.EditMessage(ctx, rest[0], strings.Join(rest[1:], " ")))
	case "delete":
		need(rest, 1, "delete <message-id>")
		check(c.DeleteMessage(ctx, rest[0]))
	case "react":
		need(rest, 2, "react <message-id> <emoji>")
		present, err := c.ToggleReaction(ctx, rest[0], rest[1])
		check(err)
		out.toggled(rest[1], present)
	case "typing":
		check(c.TypingInput(ctx))
	case "pin", "archive", "favorite", "mute":
		need(rest, 1, cmd+" <conversation-id>")
		flagName := map[string]string{"pin": "pinned", "archive": "archived", "favorite": "favorite", "mute": "muted"}[cmd]
		value, err := c.ToggleFlag(ctx, rest[0], flagName)
		check(err)
		out.toggled(flagName, value)
	case "search":
		need(rest, 1, "search [--in <conversation-id>] [--limit n] <query>")
		check(cmdSearch(ctx, c, rest, out))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show session and channel status")
	fmt.Fprintln(os.Stderr, "  conversations [filter]      List conversations (all|group|private|archived)")
	fmt.Fprintln(os.Stderr, "  open <id>                   Open a conversation")
	fmt.Fprintln(os.Stderr, "  close                       Close the open conversation")
	fmt.Fprintln(os.Stderr, "  messages [id]               Show messages of the open conversation")
	fmt.Fprintln(os.Stderr, "  send <text>                 Send to the open conversation")
	fmt.Fprintln(os.Stderr, "  resend <message-id>         Retry a failed send")
	fmt.Fprintln(os.Stderr, "  edit <message-id> <text>    Edit one of your messages")
	fmt.Fprintln(os.Stderr, "  delete <message-id>         Delete one of your messages for everyone")
	fmt.Fprintln(os.Stderr, "  react <message-id> <emoji>  Toggle a reaction")
	fmt.Fprintln(os.Stderr, "  typing                      Report composer input")
	fmt.Fprintln(os.Stderr, "  pin|archive|favorite|mute <id>  Toggle a conversation flag")
	fmt.Fprintln(os.Stderr, "  search <query>              Search loaded messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]              Stream events until interrupted")
}

func cmdStatus(ctx context.Context, c *api.Client, out printer) error {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(resp)
	}
	conv := resp.ConversationID
	if conv == "" {
		conv = "(none)"
	}
	fmt.Fprintf(out.w, "Session:       %s\n", resp.Session)
	fmt.Fprintf(out.w, "Viewer:        %s\n", resp.Viewer)
	fmt.Fprintf(out.w, "Conversation:  %s\n", conv)
	fmt.Fprintf(out.w, "Channel:       %s\n", resp.ChannelState)
	fmt.Fprintf(out.w, "Conversations: %d\n", resp.Conversations)
	fmt.Fprintf(out.w, "Indexed:       %d\n", resp.IndexedMessages)
	fmt.Fprintf(out.w, "Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	return nil
}

func cmdConversations(ctx context.Context, c *api.Client, filter string, out printer) error {
	resp, err := c.ListConversations(ctx, filter)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(resp)
	}
	if len(resp.Conversations) == 0 {
		fmt.Fprintln(out.w, "No conversations.")
		return nil
	}
	for _, cv := range resp.Conversations {
		title := cv.Title
		if title == "" {
			title = cv.ID
		}
		marks := ""
		if cv.Pinned {
			marks += "P"
		}
		if cv.Favorite {
			marks += "*"
		}
		if cv.Muted {
			marks += "M"
		}
		unread := ""
		if cv.UnreadCount > 0 {
			unread = "(" + strconv.Itoa(cv.UnreadCount) + ")"
		}
		fmt.Fprintf(out.w, "%-3s %-24s %-28s %5s %s\n", marks, cv.ID, title, unread, cv.LastMessagePreview)
	}
	return nil
}

func cmdMessages(ctx context.Context, c *api.Client, conv string, out printer) error {
	resp, err := c.ListMessages(ctx, conv)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(resp)
	}
	for i := range resp.Messages {
		out.message(&resp.Messages[i])
	}
	if len(resp.Typing) > 0 {
		names := make([]string, 0, len(resp.Typing))
		for _, t := range resp.Typing {
			names = append(names, displayName(t.DisplayName, t.UserID))
		}
		fmt.Fprintf(out.w, "%s typing...\n", strings.Join(names, ", "))
	}
	return nil
}

func cmdSearch(ctx context.Context, c *api.Client, args []string, out printer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	in := fs.String("in", "", "restrict to one conversation")
	limit := fs.Int("limit", 20, "maximum hits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	hits, err := c.SearchMessages(ctx, strings.Join(fs.Args(), " "), *in, *limit)
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(hits)
	}
	if len(hits) == 0 {
		fmt.Fprintln(out.w, "No matches.")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out.w, "%s %s/%s %s: %s\n", h.CreatedAt.Local().Format("2006-01-02 15:04"),
			h.ConversationID, h.MessageID, displayName(h.SenderName, h.SenderID), h.Snippet)
	}
	return nil
}

func cmdWatch(ctx context.Context, c *api.Client, prefix string, out printer) error {
	stream, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if out.json {
			if err := out.encode(evt); err != nil {
				return err
			}
			continue
		}
		out.event(evt)
	}
}

type printer struct {
	json bool
	w    io.Writer
}

func (p printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) message(m *api.Message) {
	if p.json {
		_ = p.encode(m)
		return
	}
	state := ""
	switch {
	case m.Failed:
		state = " [failed]"
	case m.Pending:
		state = " [sending]"
	case m.Mark == "double":
		state = " ✓✓"
	case m.Mark == "single":
		state = " ✓"
	}
	content := m.Content
	if m.DeletedForAll {
		content = "(deleted)"
	} else if m.EditedAt != nil {
		content += " (edited)"
	}
	fmt.Fprintf(p.w, "%s %-12s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.ID,
		displayName(m.SenderName, m.SenderID), content, state)
	if len(m.Reactions) > 0 {
		counts := map[string]int{}
		var order []string
		for _, r := range m.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		parts := make([]string, 0, len(order))
		for _, e := range order {
			parts = append(parts, fmt.Sprintf("%s %d", e, counts[e]))
		}
		fmt.Fprintf(p.w, "%19s%s\n", "", strings.Join(parts, "  "))
	}
}

func (p printer) toggled(what string, on bool) {
	if p.json {
		_ = p.encode(map[string]bool{what: on})
		return
	}
	word := "off"
	if on {
		word = "on"
	}
	fmt.Fprintf(p.w, "%s: %s\n", what, word)
}

func (p printer) event(evt *api.Event) {
	at := evt.OccurredAt.Local().Format("15:04:05")
	switch {
	case evt.Error != "":
		fmt.Fprintf(p.w, "%s %s %s: %s\n", at, evt.Kind, evt.Op, evt.Error)
	case evt.State != "":
		fmt.Fprintf(p.w, "%s %s %s %s\n", at, evt.Kind, evt.ConversationID, evt.State)
	case evt.Message != nil:
		fmt.Fprintf(p.w, "%s %s %s/%s %q\n", at, evt.Kind, evt.ConversationID, evt.MessageID, evt.Message.Content)
	default:
		fmt.Fprintf(p.w, "%s %s %s\n", at, evt.Kind, evt.ConversationID)
	}
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatsyncctl %s", usage)
	}
}

func check(err error) {
	if err == nil {
		return
	}
	if st, ok := status.FromError(err); ok {
		fatalf("%s", st.Message())
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
