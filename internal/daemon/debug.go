package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/campusnet/chatsync/internal/config"
	"github.com/campusnet/chatsync/internal/engine"
	"github.com/campusnet/chatsync/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// DebugServer serves /metrics and /healthz on the configured debug
// address. It is inert when no address is configured.
type DebugServer struct {
	addr   string
	srv    *http.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewDebugServer builds the debug listener from cfg.Debug.
func NewDebugServer(cfg *config.Config, m *metrics.Metrics, eng *engine.Engine, logger *zap.Logger) *DebugServer {
	d := &DebugServer{addr: cfg.Debug.Listen, logger: logger}
	d.srv = &http.Server{
		Handler:           debugRoutes(m, eng),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d
}

func debugRoutes(m *metrics.Metrics, eng *engine.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		st, err := eng.Status(ctx)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"viewer":          st.Viewer,
			"conversation_id": st.ConversationID,
			"channel_state":   st.State,
			"conversations":   st.Conversations,
		})
	})
	return r
}

// Start binds the listener and serves in the background.
func (d *DebugServer) Start() error {
	if d.addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.lis = lis
	d.logger.Info("debug server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := d.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("debug server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" when not listening.
func (d *DebugServer) Addr() string {
	if d.lis == nil {
		return ""
	}
	return d.lis.Addr().String()
}

// Stop shuts the listener down.
func (d *DebugServer) Stop(ctx context.Context) {
	if d.lis == nil {
		return
	}
	if err := d.srv.Shutdown(ctx); err != nil {
		d.logger.Warn("debug server shutdown", zap.Error(err))
	}
}
