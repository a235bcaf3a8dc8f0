// Package resttest provides an in-memory implementation of the REST API for
// tests.
package resttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/go-chi/chi/v5"
)

// Server is a fake REST backend. Messages it creates are authored by Viewer.
type Server struct {
	*httptest.Server

	Token  string
	Viewer string

	mu     sync.Mutex
	order  []string
	convs  map[string]*protocol.Conversation
	msgs   map[string][]*protocol.Message
	nextID int
	fail   map[string][]int
	calls  []string
	clock  func() time.Time
}

// New starts a fake backend. An empty token disables the auth check.
func New(token, viewer string) *Server {
	s := &Server{
		Token:  token,
		Viewer: viewer,
		convs:  make(map[string]*protocol.Conversation),
		msgs:   make(map[string][]*protocol.Message),
		fail:   make(map[string][]int),
		clock:  time.Now,
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth)
	r.Get("/conversations", s.handle(s.listConversations))
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/messages", s.handle(s.listMessages))
		r.Post("/messages", s.handle(s.createMessage))
		r.Put("/messages/{mid}", s.handle(s.editMessage))
		r.Delete("/messages/{mid}", s.handle(s.deleteMessage))
		r.Post("/messages/{mid}/reactions", s.handle(s.addReaction))
		r.Delete("/messages/{mid}/reactions/{emoji}", s.handle(s.removeReaction))
		r.Post("/messages/{mid}/read", s.handle(s.markRead))
		r.Put("/flags/{flag}", s.handle(s.setFlag))
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) (any, int)

// handle records the call, applies injected failures and writes the answer.
func (s *Server) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
		s.mu.Lock()
		s.calls = append(s.calls, key)
		if codes := s.fail[key]; len(codes) > 0 {
			code := codes[0]
			s.fail[key] = codes[1:]
			s.mu.Unlock()
			http.Error(w, http.StatusText(code), code)
			return
		}
		body, code := fn(w, r)
		s.mu.Unlock()

		if body == nil {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// FailNext makes the next call to method+pattern answer with code. pattern
// is the chi route, e.g. "/conversations/{id}/messages".
func (s *Server) FailNext(method, pattern string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + pattern
	s.fail[key] = append(s.fail[key], code)
}

// Calls returns the "METHOD pattern" of every call so far.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// AddConversation seeds a conversation.
func (s *Server) AddConversation(c protocol.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.convs[c.ID] = &c
}

// AddMessage seeds a message. Messages are kept in created_at order.
func (s *Server) AddMessage(m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(&m)
}

// Message returns a copy of a stored message.
func (s *Server) Message(conversationID, messageID string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(conversationID, messageID); m != nil {
		return *m, true
	}
	return protocol.Message{}, false
}

// Conversation returns a copy of a stored conversation.
func (s *Server) Conversation(id string) (protocol.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[id]; c != nil {
		return *c, true
	}
	return protocol.Conversation{}, false
}

func (s *Server) insert(m *protocol.Message) {
	list := s.msgs[m.ConversationID]
	i, _ := slices.BinarySearchFunc(list, m, func(a, b *protocol.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	s.msgs[m.ConversationID] = slices.Insert(list, i, m)
	if c := s.convs[m.ConversationID]; c != nil && (c.LastMessageAt == nil || m.CreatedAt.After(*c.LastMessageAt)) {
		at := m.CreatedAt
		c.LastMessageAt = &at
		c.LastMessagePreview = m.Content
	}
}

func (s *Server) find(conversationID, messageID string) *protocol.Message {
	for _, m := range s.msgs[conversationID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func notFound(what string) (any, int) {
	return errorBody{Error: what + " not found"}, http.StatusNotFound
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) (any, int) {
	archived := r.URL.Query().Get("archived") == "true"
	out := struct {
		Conversations []protocol.Conversation `json:"conversations"`
	}{Conversations: []protocol.Conversation{}}
	for _, id := range s.order {
		if c := s.convs[id]; c.Archived == archived {
			out.Conversations = append(out.Conversations, *c)
		}
	}
	return out, http.StatusOK
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) (any, int) {
	id := chi.URLParam(r, "id")
	if s.convs[id] == nil {
		return notFound("conversation")
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list := s.msgs[id]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := struct {
		Messages []protocol.Message `json:"messages"`
	}{Messages: make([]protocol.Message, 0, len(list))}
	for i := len(list) - 1; i >= 0; i-- {
		out.Messages = append(out.Messages, *list[i])
	}
	return out, http.StatusOK
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) (any, int) {
	id := chi.URLParam(r, "id")
	if s.convs[id] == nil {
		return notFound("conversation")
	}
	var req struct {
		Content  string `json:"content"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return errorBody{Error: err.Error()}, http.StatusBadRequest
	}
	s.nextID++
	m := &protocol.Message{
		ID:             fmt.Sprintf("srv-%d", s.nextID),
		ConversationID: id,
		SenderID:       s.Viewer,
		Content:        req.Content,
		CreatedAt:      s.clock().UTC(),
		ClientID:       req.ClientID,
	}
	s.insert(m)
	return *m, http.StatusCreated
}

func (s *Server) withMessage(r *http.Request, fn func(m *protocol.Message) (any, int)) (any, int) {
	m := s.find(chi.URLParam(r, "id"), chi.URLParam(r, "mid"))
	if m == nil {
		return notFound("message")
	}
	return fn(m)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) (any, int) {
	return s.withMessage(r, func(m *protocol.Message) (any, int) {
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errorBody{Error: err.Error()}, http.StatusBadRequest
		}
		if m.DeletedForAll {
			return errorBody{Error: "message deleted"}, http.StatusConflict
		}
		now := s.clock().UTC()
		m.Content = req.Content
		m.EditedAt = &now
		return *m, http.StatusOK
	})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) (any, int) {
	return s.withMessage(r, func(m *protocol.Message) (any, int) {
		if r.URL.Query().Get("scope") != "all" {
			return errorBody{Error: "only scope=all is supported"}, http.StatusBadRequest
		}
		m.DeletedForAll = true
		m.Content = ""
		return *m, http.StatusOK
	})
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request) (any, int) {
	return s.withMessage(r, func(m *protocol.Message) (any, int) {
		var req struct {
			Emoji string `json:"emoji"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
			return errorBody{Error: "emoji required"}, http.StatusBadRequest
		}
		pair := protocol.Reaction{UserID: s.Viewer, Emoji: req.Emoji}
		if !slices.Contains(m.Reactions, pair) {
			m.Reactions = append(m.Reactions, pair)
		}
		return *m, http.StatusOK
	})
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request) (any, int) {
	return s.withMessage(r, func(m *protocol.Message) (any, int) {
		pair := protocol.Reaction{UserID: s.Viewer, Emoji: chi.URLParam(r, "emoji")}
		m.Reactions = slices.DeleteFunc(m.Reactions, func(x protocol.Reaction) bool { return x == pair })
		return *m, http.StatusOK
	})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) (any, int) {
	return s.withMessage(r, func(m *protocol.Message) (any, int) {
		if !slices.Contains(m.ReadBy, s.Viewer) {
			m.ReadBy = append(m.ReadBy, s.Viewer)
		}
		return *m, http.StatusOK
	})
}

func (s *Server) setFlag(w http.ResponseWriter, r *http.Request) (any, int) {
	c := s.convs[chi.URLParam(r, "id")]
	if c == nil {
		return notFound("conversation")
	}
	var req struct {
		Value bool `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return errorBody{Error: err.Error()}, http.StatusBadRequest
	}
	switch chi.URLParam(r, "flag") {
	case "pinned":
		c.Pinned = req.Value
	case "archived":
		c.Archived = req.Value
	case "favorite":
		c.Favorite = req.Value
	case "muted":
		c.Muted = req.Value
	default:
		return errorBody{Error: "unknown flag"}, http.StatusBadRequest
	}
	return *c, http.StatusOK
}
