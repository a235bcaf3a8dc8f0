package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/campusnet/chatsync/internal/status"
	"github.com/campusnet/chatsync/internal/syncerr"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 64
)

type ackResult struct {
	ack protocol.Ack
}

// conn is one websocket session of a Handle. A Handle goes through a new
// conn on every reconnect.
type conn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
}

// Handle is the connection to one conversation's stream. It reconnects on
// unexpected closure until Close or until its attempts are exhausted.
type Handle struct {
	client         *Client
	conversationID string
	logger         *zap.Logger
	cancel         context.CancelFunc
	finished       chan struct{}
	closeOnce      sync.Once

	mu      sync.Mutex
	cur     *conn
	acks    map[string]chan ackResult
	nextRef uint64
}

// ConversationID returns the conversation this handle streams.
func (h *Handle) ConversationID() string { return h.conversationID }

// Live reports whether the handle currently has an open connection.
func (h *Handle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur != nil
}

// Done is closed once the handle has stopped for good: after Close, or
// after reconnect attempts were exhausted.
func (h *Handle) Done() <-chan struct{} { return h.finished }

// Close tears the connection down and waits for its goroutines to exit.
// Safe to call multiple times from any goroutine.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.client.release(h)
		h.cancel()
	})
	<-h.finished
}

// SendMessage sends a message and returns the id the server assigned.
func (h *Handle) SendMessage(ctx context.Context, content, clientID string) (string, error) {
	ack, err := h.request(ctx, protocol.TypeSendMessage, protocol.SendMessage{Content: content, ClientID: clientID})
	if err != nil {
		return "", err
	}
	return ack.MessageID, nil
}

// SetTyping announces or withdraws the viewer's typing state.
func (h *Handle) SetTyping(ctx context.Context, active bool) error {
	_, err := h.request(ctx, protocol.TypeSetTyping, protocol.SetTyping{Active: active})
	return err
}

// AddReaction adds the viewer's emoji to a message.
func (h *Handle) AddReaction(ctx context.Context, messageID, emoji string) error {
	_, err := h.request(ctx, protocol.TypeAddReaction, protocol.ReactionAction{MessageID: messageID, Emoji: emoji})
	return err
}

// RemoveReaction removes the viewer's emoji from a message.
func (h *Handle) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	_, err := h.request(ctx, protocol.TypeRemoveReaction, protocol.ReactionAction{MessageID: messageID, Emoji: emoji})
	return err
}

// request writes a frame and waits for its ack.
func (h *Handle) request(ctx context.Context, typ string, payload any) (protocol.Ack, error) {
	h.mu.Lock()
	c := h.cur
	if c == nil {
		h.mu.Unlock()
		return protocol.Ack{}, fmt.Errorf("%s: %w", typ, syncerr.ErrTransportUnavailable)
	}
	h.nextRef++
	ref := strconv.FormatUint(h.nextRef, 10)
	wait := make(chan ackResult, 1)
	h.acks[ref] = wait
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.acks, ref)
		h.mu.Unlock()
	}()

	data, err := protocol.Encode(typ, ref, h.conversationID, payload)
	if err != nil {
		return protocol.Ack{}, err
	}

	select {
	case c.out <- data:
	case <-c.done:
		return protocol.Ack{}, fmt.Errorf("%s: %w", typ, syncerr.ErrTransportUnavailable)
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}

	timer := time.NewTimer(h.client.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-wait:
		if res.ack.Error != "" {
			return res.ack, fmt.Errorf("%s: %w: %s", typ, ErrRejected, res.ack.Error)
		}
		return res.ack, nil
	case <-c.done:
		return protocol.Ack{}, fmt.Errorf("%s: connection closed before ack: %w", typ, syncerr.ErrTransportUnavailable)
	case <-timer.C:
		return protocol.Ack{}, fmt.Errorf("%s: ack timeout: %w", typ, syncerr.ErrTransportUnavailable)
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

// run dials, serves and redials until ctx is cancelled or attempts run out.
func (h *Handle) run(ctx context.Context) {
	defer close(h.finished)
	cfg := h.client.cfg
	attempt := 0
	for {
		ws, resp, err := h.client.dialer.DialContext(ctx, h.client.streamURL(h.conversationID), h.client.header())
		if err == nil {
			attempt = 0
			h.serve(ctx, ws)
		} else {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("channel dial failed", zap.Error(err), zap.Int("attempt", attempt+1))
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				// Credentials will not get better by retrying.
				h.client.setState(h, status.Reconnecting)
				h.client.setState(h, status.Fallback)
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		h.client.setState(h, status.Reconnecting)
		attempt++
		if cfg.ReconnectAttempts > 0 && attempt > cfg.ReconnectAttempts {
			h.logger.Warn("channel reconnect attempts exhausted, falling back to REST",
				zap.Int("attempts", cfg.ReconnectAttempts))
			h.client.setState(h, status.Fallback)
			return
		}
		wait := backoff(attempt, cfg.ReconnectInitial, cfg.ReconnectMax, nil)
		h.logger.Info("channel reconnecting", zap.Int("attempt", attempt), zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		h.client.setState(h, status.Connecting)
	}
}

// serve replays the subscription, then pumps frames until the connection
// drops or ctx is cancelled.
func (h *Handle) serve(ctx context.Context, ws *websocket.Conn) {
	sub, err := protocol.Encode(protocol.TypeSubscribe, "", h.conversationID, nil)
	if err != nil {
		ws.Close()
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, sub); err != nil {
		h.logger.Warn("channel subscribe failed", zap.Error(err))
		ws.Close()
		return
	}

	c := &conn{ws: ws, out: make(chan []byte, sendBufSize), done: make(chan struct{})}
	h.mu.Lock()
	h.cur = c
	h.mu.Unlock()
	h.client.setState(h, status.Live)
	h.logger.Info("channel live")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(ctx, c)
	}()
	h.readPump(c)

	h.mu.Lock()
	h.cur = nil
	h.mu.Unlock()
	close(c.done)
	ws.Close()
	wg.Wait()
}

// readPump reads frames until the connection fails. It is unblocked on
// cancellation by writePump closing the socket.
func (h *Handle) readPump(c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("channel read error", zap.Error(err))
			}
			return
		}
		h.dispatch(raw)
	}
}

func (h *Handle) dispatch(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		h.logger.Warn("dropping malformed channel frame", zap.Error(err))
		return
	}
	if f.Type == protocol.TypeAck {
		var ack protocol.Ack
		if len(f.Payload) > 0 {
			if err := f.Bind(&ack); err != nil {
				h.logger.Warn("dropping malformed ack", zap.Error(err))
				return
			}
		}
		h.mu.Lock()
		wait := h.acks[f.Ref]
		h.mu.Unlock()
		if wait != nil {
			select {
			case wait <- ackResult{ack: ack}:
			default:
			}
		}
		return
	}

	evt, err := protocol.DecodeEvent(f)
	if err != nil {
		h.logger.Warn("dropping channel frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	if evt.ConversationID == "" {
		evt.ConversationID = h.conversationID
	}
	h.client.bus.Emit(EventPrefix+f.Type, evt)
}

// writePump owns all writes to the socket after the subscription.
func (h *Handle) writePump(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("channel write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
