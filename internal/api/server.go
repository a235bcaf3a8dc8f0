// Package api exposes the engine over gRPC on the session's unix socket.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/convstore"
	"github.com/campusnet/chatsync/internal/engine"
	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/search"
	"github.com/campusnet/chatsync/internal/syncerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultSearchLimit = 20

// Searcher is the message search index.
type Searcher interface {
	Search(ctx context.Context, query, conversationID string, limit int) ([]search.Hit, error)
	Count(ctx context.Context) (int, error)
}

// Server implements ChatServer on top of the engine.
type Server struct {
	session string
	engine  *engine.Engine
	search  Searcher
	bus     *bus.Bus
	logger  *zap.Logger
	started time.Time
}

// NewServer creates the Chat service for sessionName.
func NewServer(sessionName string, eng *engine.Engine, idx Searcher, b *bus.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		session: sessionName,
		engine:  eng,
		search:  idx,
		bus:     b,
		logger:  logger,
		started: time.Now(),
	}
}

var _ ChatServer = (*Server)(nil)

func (s *Server) GetStatus(ctx context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	indexed, err := s.search.Count(ctx)
	if err != nil {
		s.logger.Warn("count indexed messages failed", zap.Error(err))
	}
	return &GetStatusResponse{
		Session:         s.session,
		Viewer:          st.Viewer,
		ConversationID:  st.ConversationID,
		ChannelState:    string(st.State),
		Conversations:   st.Conversations,
		IndexedMessages: indexed,
		UptimeMs:        time.Since(s.started).Milliseconds(),
	}, nil
}

func (s *Server) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	filter, err := convstore.ParseFilter(req.Filter)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	convs, err := s.engine.Conversations(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationFromModel(c))
	}
	return &ListConversationsResponse{Conversations: out}, nil
}

func (s *Server) OpenConversation(ctx context.Context, req *OpenConversationRequest) (*OpenConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, status.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.engine.Open(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &OpenConversationResponse{}, nil
}

func (s *Server) CloseConversation(ctx context.Context, _ *CloseConversationRequest) (*CloseConversationResponse, error) {
	if err := s.engine.Close(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &CloseConversationResponse{}, nil
}

func (s *Server) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	views, err := s.engine.Messages(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	conv := req.ConversationID
	if conv == "" {
		conv = s.engine.Current(ctx)
	}
	typing, err := s.engine.Typing(ctx, conv)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListMessagesResponse{
		Messages: messagesFromViews(views),
		Typing:   typistsFromModel(typing),
	}, nil
}

func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	ph, err := s.engine.Send(ctx, req.Content)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendMessageResponse{Message: messageFromModel(ph, "")}, nil
}

func (s *Server) ResendMessage(ctx context.Context, req *ResendMessageRequest) (*SendMessageResponse, error) {
	ph, err := s.engine.Resend(ctx, req.MessageID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendMessageResponse{Message: messageFromModel(ph, "")}, nil
}

func (s *Server) EditMessage(ctx context.Context, req *EditMessageRequest) (*EditMessageResponse, error) {
	if err := s.engine.Edit(ctx, req.MessageID, req.Content); err != nil {
		return nil, toStatus(err)
	}
	return &EditMessageResponse{}, nil
}

func (s *Server) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	if err := s.engine.DeleteForAll(ctx, req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return &DeleteMessageResponse{}, nil
}

func (s *Server) ToggleReaction(ctx context.Context, req *ToggleReactionRequest) (*ToggleReactionResponse, error) {
	if req.Emoji == "" {
		return nil, status.Error(codes.InvalidArgument, "emoji is required")
	}
	present, err := s.engine.ToggleReaction(ctx, req.MessageID, req.Emoji)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ToggleReactionResponse{Present: present}, nil
}

func (s *Server) TypingInput(ctx context.Context, _ *TypingInputRequest) (*TypingInputResponse, error) {
	if err := s.engine.TypingInput(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &TypingInputResponse{}, nil
}

func (s *Server) ToggleFlag(ctx context.Context, req *ToggleFlagRequest) (*ToggleFlagResponse, error) {
	flag, ok := model.ParseFlag(req.Flag)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown flag %q", req.Flag)
	}
	value, err := s.engine.ToggleFlag(ctx, req.ConversationID, flag)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ToggleFlagResponse{Value: value}, nil
}

func (s *Server) SearchMessages(ctx context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	if req.Query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	hits, err := s.search.Search(ctx, req.Query, req.ConversationID, limit)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", req.Query), zap.Error(err))
		return nil, status.Error(codes.Internal, "search failed")
	}
	return &SearchMessagesResponse{Hits: hitsFromSearch(hits)}, nil
}

// WatchEvents streams bus events under the requested prefix until the
// client goes away.
func (s *Server) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStreamingServer[Event]) error {
	prefix := req.Prefix
	if prefix == "" {
		prefix = engine.EventPrefix
	}
	events, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-events:
			if err := stream.Send(eventFromBus(evt)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func eventFromBus(evt bus.Event) *Event {
	out := &Event{
		ID:         uuid.NewString(),
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp,
	}
	switch p := evt.Payload.(type) {
	case engine.MessagesChanged:
		out.ConversationID = p.ConversationID
	case engine.TypingChanged:
		out.ConversationID = p.ConversationID
		out.Typing = typistsFromModel(p.Typists)
	case engine.MessageMerged:
		if p.Message != nil {
			m := messageFromModel(p.Message, "")
			out.ConversationID = m.ConversationID
			out.MessageID = m.ID
			out.Message = &m
		}
	case engine.ChannelState:
		out.ConversationID = p.ConversationID
		out.State = string(p.State)
	case syncerr.Notice:
		out.Op = p.Op
		out.ConversationID = p.ConversationID
		out.MessageID = p.MessageID
		if p.Err != nil {
			out.Error = p.Err.Error()
		}
	}
	return out
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, syncerr.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, syncerr.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, engine.ErrNoConversation):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, engine.ErrNotAuthor):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, engine.ErrEmptyMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, syncerr.ErrTransportUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
