// Package remotetest is an in-memory stand-in for the Wave services
// (identity, user directory, conversation log and object storage) for use
// in tests. It speaks the same JSON envelopes as the real services and can
// inject faults and record what clients sent.
package remotetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	wlog "github.com/socialwave/wavechat/internal/log"
)

// isoLayout matches Python's datetime.isoformat() for naive timestamps.
const isoLayout = "2006-01-02T15:04:05.000000"

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsOnline  bool   `json:"is_online"`
	password  string
}

type Message struct {
	ID        int64
	ChatID    int64
	SenderID  int64
	Content   *string
	ImageURL  *string
	CreatedAt time.Time
}

type chat struct {
	id        int64
	user1     int64
	user2     int64
	createdAt time.Time
}

// Server is the fake. The zero value is not usable; call New.
type Server struct {
	router *mux.Router
	srv    *httptest.Server
	logger zerolog.Logger

	mu       sync.Mutex
	now      func() time.Time
	users    []*User
	chats    []*chat
	messages []*Message
	files    map[string][]byte
	nextID   int64

	// faults
	failFetches int
	failAppends int
	failUploads int
	rejectWith  string
	fetchDelay  time.Duration

	// recording
	appendBodies []map[string]any
	fetches      map[int64]int
	uploads      int
	creates      int
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the source of server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(opts ...Option) *Server {
	s := &Server{
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		files:   make(map[string][]byte),
		fetches: make(map[int64]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(wlog.HTTPMiddleware(s.logger))
	r.HandleFunc("/auth", s.handleAuthPost).Methods(http.MethodPost)
	r.HandleFunc("/auth", s.handleAuthPut).Methods(http.MethodPut)
	r.HandleFunc("/auth", s.handleAuthGet).Methods(http.MethodGet)
	r.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)
	r.HandleFunc("/chats", s.handleChatsGet).Methods(http.MethodGet)
	r.HandleFunc("/chats", s.handleChatsPost).Methods(http.MethodPost)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/files/{name}", s.handleFile).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "Method not allowed"})
	})
	s.router = r
	return s
}

// Start serves the fake on a local port until the test ends and returns
// its base URL.
func (s *Server) Start(tb testing.TB) string {
	tb.Helper()
	s.srv = httptest.NewServer(s.router)
	tb.Cleanup(s.srv.Close)
	return s.srv.URL
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// URL returns the base URL of a started server.
func (s *Server) URL() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.URL
}

// ============================================================================
// Seeding
// ============================================================================

func (s *Server) AddUser(username, email, password string, online bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.users = append(s.users, &User{
		ID: s.nextID, Username: username, Email: email, IsOnline: online, password: password,
	})
	return s.nextID
}

func (s *Server) SetOnline(userID int64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userLocked(userID); u != nil {
		u.IsOnline = online
	}
}

func (s *Server) User(userID int64) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userLocked(userID); u != nil {
		return *u, true
	}
	return User{}, false
}

// AddChat creates a conversation directly, bypassing get-or-create.
func (s *Server) AddChat(user1, user2 int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createChatLocked(user1, user2).id
}

// AddMessage appends a text message as if another client had sent it.
func (s *Server) AddMessage(chatID, senderID int64, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.appendLocked(chatID, senderID, &content, nil)
}

// Messages returns the log of chatID in log order.
func (s *Server) Messages(chatID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messagesLocked(chatID) {
		out = append(out, *m)
	}
	return out
}

// ============================================================================
// Faults
// ============================================================================

// FailFetches makes the next n get_messages calls answer 500.
func (s *Server) FailFetches(n int) {
	s.mu.Lock()
	s.failFetches = n
	s.mu.Unlock()
}

// FailAppends makes the next n send_message calls answer 500.
func (s *Server) FailAppends(n int) {
	s.mu.Lock()
	s.failAppends = n
	s.mu.Unlock()
}

// FailUploads makes the next n uploads answer 500.
func (s *Server) FailUploads(n int) {
	s.mu.Lock()
	s.failUploads = n
	s.mu.Unlock()
}

// RejectAppends makes send_message answer success:false with msg. An empty
// msg turns it off.
func (s *Server) RejectAppends(msg string) {
	s.mu.Lock()
	s.rejectWith = msg
	s.mu.Unlock()
}

// DelayFetches holds every get_messages response for d.
func (s *Server) DelayFetches(d time.Duration) {
	s.mu.Lock()
	s.fetchDelay = d
	s.mu.Unlock()
}

// ============================================================================
// Recording
// ============================================================================

// AppendBodies returns the decoded bodies of every send_message call that
// reached the log handler, including failed ones.
func (s *Server) AppendBodies() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.appendBodies...)
}

func (s *Server) FetchCount(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[chatID]
}

func (s *Server) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func (s *Server) CreateChatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// ============================================================================
// Handlers: identity
// ============================================================================

func (s *Server) handleAuthPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action   string `json:"action"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch body.Action {
	case "register":
		for _, u := range s.users {
			if strings.EqualFold(u.Email, body.Email) {
				writeError(w, http.StatusBadRequest, "Email already registered")
				return
			}
		}
		s.nextID++
		u := &User{ID: s.nextID, Username: body.Username, Email: body.Email, IsOnline: true, password: body.Password}
		s.users = append(s.users, u)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
	case "login":
		for _, u := range s.users {
			if u.Email == body.Email && u.password == body.Password {
				u.IsOnline = true
				writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
	}
}

func (s *Server) handleAuthPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID    int64  `json:"user_id"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(body.UserID)
	if u == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	u.AvatarURL = body.AvatarURL
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
}

func (s *Server) handleAuthGet(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(id)
	if u == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": u})
}

// ============================================================================
// Handlers: directory
// ============================================================================

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("search"))

	s.mu.Lock()
	var out []User
	for _, u := range s.users {
		if q == "" || strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, *u)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return out[i].IsOnline
		}
		return out[i].Username < out[j].Username
	})
	if out == nil {
		out = []User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": out})
}

// ============================================================================
// Handlers: conversation log
// ============================================================================

func (s *Server) handleChatsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("action") {
	case "get_messages":
		chatID, _ := strconv.ParseInt(q.Get("chat_id"), 10, 64)
		s.getMessages(w, r, chatID)
	case "get_user_chats":
		userID, _ := strconv.ParseInt(q.Get("user_id"), 10, 64)
		s.getUserChats(w, userID)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
	}
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, chatID int64) {
	s.mu.Lock()
	s.fetches[chatID]++
	delay := s.fetchDelay
	fail := s.failFetches > 0
	if fail {
		s.failFetches--
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	msgs := make([]map[string]any, 0)
	for _, m := range s.messagesLocked(chatID) {
		msgs = append(msgs, s.wireMessageLocked(m))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (s *Server) getUserChats(w http.ResponseWriter, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mine []*chat
	for _, c := range s.chats {
		if c.user1 == userID || c.user2 == userID {
			mine = append(mine, c)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].createdAt.After(mine[j].createdAt) })

	out := make([]map[string]any, 0, len(mine))
	for _, c := range mine {
		other := c.user1
		if other == userID {
			other = c.user2
		}
		row := map[string]any{
			"id":            c.id,
			"created_at":    c.createdAt.Format(isoLayout),
			"other_user_id": other,
			"last_message":  nil,
		}
		if u := s.userLocked(other); u != nil {
			row["other_username"] = u.Username
			row["other_avatar"] = u.AvatarURL
			row["other_is_online"] = u.IsOnline
		}
		if msgs := s.messagesLocked(c.id); len(msgs) > 0 {
			row["last_message"] = msgs[len(msgs)-1].Content
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chats": out})
}

func (s *Server) handleChatsPost(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	var body struct {
		Action   string  `json:"action"`
		User1ID  int64   `json:"user1_id"`
		User2ID  int64   `json:"user2_id"`
		ChatID   int64   `json:"chat_id"`
		SenderID int64   `json:"sender_id"`
		Content  *string `json:"content"`
		ImageURL *string `json:"image_url"`
	}
	_ = json.Unmarshal(data, &body)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch body.Action {
	case "create_chat":
		s.creates++
		c := s.findChatLocked(body.User1ID, body.User2ID)
		if c == nil {
			c = s.createChatLocked(body.User1ID, body.User2ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "chat_id": c.id})
	case "send_message":
		s.appendBodies = append(s.appendBodies, raw)
		if s.failAppends > 0 {
			s.failAppends--
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if s.rejectWith != "" {
			writeError(w, http.StatusBadRequest, s.rejectWith)
			return
		}
		m := s.appendLocked(body.ChatID, body.SenderID, body.Content, body.ImageURL)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": s.wireMessageLocked(m)})
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
	}
}

// ============================================================================
// Handlers: object storage
// ============================================================================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.uploads++
	fail := s.failUploads > 0
	if fail {
		s.failUploads--
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "No file provided"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Cannot read file"})
		return
	}

	name := uuid.NewString() + strings.ToLower(extOf(header.Filename))
	s.mu.Lock()
	s.files[name] = data
	s.mu.Unlock()

	base := "http://" + r.Host
	writeJSON(w, http.StatusOK, map[string]any{"url": base + "/files/" + name})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	data, ok := s.files[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

// File returns the stored bytes behind an uploaded URL.
func (s *Server) File(url string) ([]byte, bool) {
	i := strings.LastIndex(url, "/files/")
	if i < 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[url[i+len("/files/"):]]
	return data, ok
}

// ============================================================================
// Internal helpers
// ============================================================================

func (s *Server) userLocked(id int64) *User {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (s *Server) findChatLocked(a, b int64) *chat {
	for _, c := range s.chats {
		if (c.user1 == a && c.user2 == b) || (c.user1 == b && c.user2 == a) {
			return c
		}
	}
	return nil
}

func (s *Server) createChatLocked(a, b int64) *chat {
	s.nextID++
	c := &chat{id: s.nextID, user1: a, user2: b, createdAt: s.now()}
	s.chats = append(s.chats, c)
	return c
}

func (s *Server) appendLocked(chatID, senderID int64, content, imageURL *string) *Message {
	s.nextID++
	m := &Message{
		ID:        s.nextID,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: s.now(),
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) messagesLocked(chatID int64) []*Message {
	var out []*Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Server) wireMessageLocked(m *Message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"chat_id":    m.ChatID,
		"sender_id":  m.SenderID,
		"content":    m.Content,
		"image_url":  m.ImageURL,
		"created_at": m.CreatedAt.Format(isoLayout),
	}
	if u := s.userLocked(m.SenderID); u != nil {
		out["username"] = u.Username
		out["avatar_url"] = u.AvatarURL
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

// StepClock returns a clock starting at start that advances by step on
// every call, so server timestamps are distinct and increasing.
func StepClock(start time.Time, step time.Duration) func() time.Time {
	var (
		mu sync.Mutex
		t  = start.Add(-step)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}
