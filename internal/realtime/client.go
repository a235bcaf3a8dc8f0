// Package realtime is the client side of the per-conversation push channel.
// Inbound frames are published on the bus under "channel.<type>"; connection
// state changes are published by the status machine as "channel.state".
package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/status"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventPrefix namespaces every inbound frame published on the bus.
const EventPrefix = "channel."

// ErrRejected wraps an error answer from the server to an outbound frame.
var ErrRejected = errors.New("realtime: rejected by server")

// Config configures the channel client.
type Config struct {
	URL               string // ws:// or wss:// base URL
	Token             string
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int // 0 retries forever
	AckTimeout        time.Duration
	HandshakeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Client owns at most one live channel connection.
type Client struct {
	cfg    Config
	bus    *bus.Bus
	state  *status.Machine
	logger *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	current *Handle
}

// New creates a channel client.
func New(cfg Config, b *bus.Bus, state *status.Machine, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		bus:    b,
		state:  state,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Connect tears down any existing connection and starts connecting to the
// conversation's stream. It does not wait for the handshake: liveness is
// reported through channel.state events and Handle.Live.
func (c *Client) Connect(ctx context.Context, conversationID string) *Handle {
	c.Disconnect()

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		client:         c,
		conversationID: conversationID,
		cancel:         cancel,
		finished:       make(chan struct{}),
		acks:           make(map[string]chan ackResult),
		logger:         c.logger.With(zap.String("conversation_id", conversationID)),
	}

	c.mu.Lock()
	c.current = h
	c.transitionLocked(h, status.Connecting)
	c.mu.Unlock()

	go h.run(ctx)
	return h
}

// Disconnect closes the current connection, if any.
func (c *Client) Disconnect() {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// IsLive reports whether a connection is currently live.
func (c *Client) IsLive() bool {
	return c.state.Live()
}

// setState moves the shared state machine on behalf of h, unless h has been
// superseded or closed.
func (c *Client) setState(h *Handle, to status.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != h {
		return
	}
	c.transitionLocked(h, to)
}

func (c *Client) transitionLocked(h *Handle, to status.State) {
	if err := c.state.Transition(to, h.conversationID); err != nil {
		h.logger.Debug("channel state transition rejected", zap.Error(err))
	}
}

// release detaches h and returns the machine to Idle.
func (c *Client) release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != h {
		return
	}
	c.current = nil
	c.transitionLocked(h, status.Idle)
}

func (c *Client) streamURL(conversationID string) string {
	return strings.TrimRight(c.cfg.URL, "/") + "/conversations/" + url.PathEscape(conversationID) + "/stream"
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}
