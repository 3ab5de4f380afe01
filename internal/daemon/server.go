// Package daemon composes the application and serves the local HTTP
// API the desktop client talks to.
package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/chat"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/reconcile"
	"github.com/confideapp/confide/internal/rest"
	"github.com/confideapp/confide/internal/store"
	"github.com/confideapp/confide/internal/transport"
)

// directoryAPI is the conversation-listing subset of the REST client
// the server calls outside any session.
type directoryAPI interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetOrCreateConversation(ctx context.Context, targetUserID, confessionID int64) (model.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID int64) error
}

// Server is the local HTTP API.
type Server struct {
	listen   string
	origins  []string
	store    *store.Store
	sessions *chat.Manager
	api      directoryAPI
	bus      *bus.Bus
	logger   *zap.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP surface.
func NewServer(listen string, origins []string, st *store.Store, sessions *chat.Manager, api directoryAPI, b *bus.Bus, logger *zap.Logger) *Server {
	return &Server{
		listen:   listen,
		origins:  origins,
		store:    st,
		sessions: sessions,
		api:      api,
		bus:      b,
		logger:   logger,
	}
}

// Router configures the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
	r.HandleFunc("/conversations", s.handleListConversations).Methods("GET")
	r.HandleFunc("/conversations/get_or_create", s.handleGetOrCreate).Methods("POST")
	r.HandleFunc("/conversations/{id}/open", s.handleOpen).Methods("POST")
	r.HandleFunc("/conversations/{id}/close", s.handleClose).Methods("POST")
	r.HandleFunc("/conversations/{id}/messages", s.handleMessages).Methods("GET")
	r.HandleFunc("/conversations/{id}/messages", s.handleSend).Methods("POST")
	r.HandleFunc("/conversations/{id}/messages/older", s.handleLoadOlder).Methods("POST")
	r.HandleFunc("/conversations/{id}/typing", s.handleTyping).Methods("POST")
	r.HandleFunc("/conversations/{id}/read", s.handleRead).Methods("POST")
	r.HandleFunc("/messages/{id}/edit", s.handleEdit).Methods("POST")
	r.HandleFunc("/messages/{id}/delete", s.handleDelete).Methods("POST")
	r.HandleFunc("/messages/{id}/pin", s.handlePin).Methods("POST")
	r.HandleFunc("/messages/{id}/unpin", s.handleUnpin).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// Start runs the HTTP server until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("local API listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}

type conversationJSON struct {
	ID                 int64       `json:"id"`
	Participants       []userJSON  `json:"participants"`
	ConfessionID       int64       `json:"confession_id,omitempty"`
	LastMessagePreview string      `json:"last_message_preview"`
	UnreadCount        int         `json:"unread_count"`
	ConnectionState    string      `json:"connection_state,omitempty"`
}

type userJSON struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type messageJSON struct {
	ID          int64            `json:"id,omitempty"`
	TempID      string           `json:"temp_id,omitempty"`
	Sender      userJSON         `json:"sender"`
	Content     string           `json:"content"`
	Attachments []attachmentJSON `json:"attachments,omitempty"`
	ReplyToID   int64            `json:"reply_to_id,omitempty"`
	Status      string           `json:"status"`
	IsEdited    bool             `json:"is_edited"`
	IsPinned    bool             `json:"is_pinned"`
	CreatedAt   int64            `json:"created_at"`
	UpdatedAt   int64            `json:"updated_at"`
}

type attachmentJSON struct {
	ID       int64  `json:"id"`
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
}

func toConversationJSON(c model.Conversation) conversationJSON {
	users := make([]userJSON, 0, len(c.Participants))
	for _, u := range c.Participants {
		users = append(users, userJSON{ID: u.ID, Username: u.Username})
	}
	return conversationJSON{
		ID:                 c.ID,
		Participants:       users,
		ConfessionID:       c.ConfessionID,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        c.UnreadCount,
	}
}

func toMessageJSON(m model.Message) messageJSON {
	atts := make([]attachmentJSON, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, attachmentJSON{
			ID: a.ID, FileURL: a.FileURL, FileName: a.FileName,
			FileType: a.FileType, FileSize: a.FileSize,
		})
	}
	return messageJSON{
		ID:          m.ID,
		TempID:      m.TempID,
		Sender:      userJSON{ID: m.Sender.ID, Username: m.Sender.Username},
		Content:     m.Content,
		Attachments: atts,
		ReplyToID:   m.ReplyToID,
		Status:      string(m.Status),
		IsEdited:    m.IsEdited,
		IsPinned:    m.IsPinned,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open := s.sessions.OpenConversations()
	states := make(map[string]string, len(open))
	for _, id := range open {
		if sess, ok := s.sessions.Get(id); ok {
			states[strconv.FormatInt(id, 10)] = string(sess.ConnectionState())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open_conversations": states,
		"unread_total":       s.store.UnreadTotal(),
	})
}

type eventJSON struct {
	Kind           string `json:"kind"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Payload        any    `json:"payload,omitempty"`
}

// handleEvents streams bus events to the client as server-sent events.
// An optional ?namespace= query narrows the stream by kind prefix,
// e.g. ?namespace=message. for message.* events only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.bus.Subscribe(r.URL.Query().Get("namespace"), 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	// Comment line so the client sees the stream is live before the
	// first event arrives.
	_, _ = w.Write([]byte(": ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			data, err := json.Marshal(eventJSON{
				Kind:           evt.Kind,
				ConversationID: evt.ConversationID,
				Timestamp:      evt.Timestamp.UnixMilli(),
				Payload:        evt.Payload,
			})
			if err != nil {
				s.logger.Warn("event marshal", zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.api.ListConversations(r.Context())
	if err != nil {
		// Serve the last known list when the backend is unreachable.
		s.logger.Warn("conversation refresh failed", zap.Error(err))
		convs = s.store.Conversations()
	} else {
		s.store.SetConversations(convs)
	}
	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		cj := toConversationJSON(c)
		if sess, ok := s.sessions.Get(c.ID); ok {
			cj.ConnectionState = string(sess.ConnectionState())
		}
		out = append(out, cj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetUserID int64 `json:"target_user_id"`
		ConfessionID int64 `json:"confession_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	conv, err := s.api.GetOrCreateConversation(r.Context(), req.TargetUserID, req.ConfessionID)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	s.store.UpsertConversation(conv)
	writeJSON(w, http.StatusOK, toConversationJSON(conv))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"connection_state": string(sess.ConnectionState()),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.sessions.Close(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs := s.store.VisibleMessages(id)
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	resp := map[string]any{
		"messages":        out,
		"typing_user_ids": s.store.TypingUsers(id),
		"online_user_ids": s.onlineParticipants(id),
	}
	if banner, ok := reconcile.PinnedBanner(s.store.Messages(id)); ok {
		resp["pinned"] = toMessageJSON(banner)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) onlineParticipants(conversationID int64) []int64 {
	conv, ok := s.store.Conversation(conversationID)
	if !ok {
		return nil
	}
	var out []int64
	for _, u := range conv.Participants {
		if s.store.IsOnline(u.ID) {
			out = append(out, u.ID)
		}
	}
	return out
}

func (s *Server) handleLoadOlder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusConflict, "conversation not open")
		return
	}
	if err := sess.LoadOlder(r.Context()); err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusConflict, "conversation not open")
		return
	}

	var req struct {
		Content     string `json:"content"`
		ReplyToID   int64  `json:"reply_to_id"`
		Attachments []struct {
			FileName    string `json:"file_name"`
			ContentType string `json:"content_type"`
			Data        string `json:"data"` // base64
		} `json:"attachments"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	uploads := make([]rest.AttachmentUpload, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "attachment data is not valid base64")
			return
		}
		uploads = append(uploads, rest.AttachmentUpload{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Data:        data,
		})
	}

	tempID, err := sess.SendMessage(r.Context(), req.Content, req.ReplyToID, uploads)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"temp_id": tempID})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusConflict, "conversation not open")
		return
	}
	sess.SendTyping()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.api.MarkConversationRead(r.Context(), id); err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	s.store.MarkConversationRead(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	s.messageCommand(w, r, func(sess *chat.Session, messageID int64, body map[string]any) error {
		content, _ := body["content"].(string)
		return sess.EditMessage(messageID, content)
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.messageCommand(w, r, func(sess *chat.Session, messageID int64, _ map[string]any) error {
		return sess.DeleteMessage(messageID)
	})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	s.messageCommand(w, r, func(sess *chat.Session, messageID int64, _ map[string]any) error {
		return sess.PinMessage(messageID)
	})
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	s.messageCommand(w, r, func(sess *chat.Session, messageID int64, _ map[string]any) error {
		return sess.UnpinMessage(messageID)
	})
}

// messageCommand routes an edit/delete/pin command to the session that
// owns the message's conversation. The path id may be a server id or a
// temp token; temp tokens always reject since the message is still
// unconfirmed.
func (s *Server) messageCommand(w http.ResponseWriter, r *http.Request, fn func(*chat.Session, int64, map[string]any) error) {
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}
	convFloat, _ := body["conversation_id"].(float64)
	conversationID := int64(convFloat)

	sess, ok := s.sessions.Get(conversationID)
	if !ok {
		writeError(w, http.StatusConflict, "conversation not open")
		return
	}
	messageID, err := sess.ResolveTarget(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	if err := fn(sess, messageID, body); err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeAPIError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var apiErr *rest.APIError
	switch {
	case errors.Is(err, chat.ErrNotConfirmed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrSessionClosed), errors.Is(err, transport.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &apiErr):
		writeError(w, apiErr.StatusCode, apiErr.Detail)
	default:
		logger.Warn("request failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
