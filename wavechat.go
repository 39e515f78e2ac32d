// Package wavechat is a direct-messaging client for the Wave chat services.
//
// It keeps a local, ordered message timeline consistent with the
// server-held conversation log by polling, and sends text or image
// messages through a single-flight pipeline.
//
// Example:
//
//	client := wavechat.NewClient(wavechat.WithBaseURL("https://chat.example.com"))
//
//	user, _ := client.Auth.Login(ctx, "ann@example.com", "secret")
//	m := wavechat.NewMessenger(client, &wavechat.Session{User: *user})
//	defer m.Close()
//
//	conv, _ := m.OpenWith(ctx, peerID)
//	conv.Subscribe(func(msgs []wavechat.Message) { render(msgs) })
//	conv.SendText(ctx, "hello")
package wavechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// Endpoints holds the URL of each remote service. An empty field falls
// back to the base URL joined with the service name.
type Endpoints struct {
	Auth   string `mapstructure:"auth"`
	Users  string `mapstructure:"users"`
	Chats  string `mapstructure:"chats"`
	Upload string `mapstructure:"upload"`
}

func defaultEndpoints(base string) Endpoints {
	base = strings.TrimRight(base, "/")
	return Endpoints{
		Auth:   base + "/auth",
		Users:  base + "/users",
		Chats:  base + "/chats",
		Upload: base + "/upload",
	}
}

func (e Endpoints) withFallback(base Endpoints) Endpoints {
	if e.Auth == "" {
		e.Auth = base.Auth
	}
	if e.Users == "" {
		e.Users = base.Users
	}
	if e.Chats == "" {
		e.Chats = base.Chats
	}
	if e.Upload == "" {
		e.Upload = base.Upload
	}
	return e
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL      string
	endpoints    Endpoints
	httpClient   *http.Client
	logger       zerolog.Logger
	pollInterval time.Duration
	fetchTimeout time.Duration
	uploader     Uploader

	Auth  *AuthClient
	Users *UsersClient
	Chats *ChatsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithEndpoints overrides individual service URLs. Empty fields keep the
// base URL defaults.
func WithEndpoints(e Endpoints) ClientOption {
	return func(c *Client) { c.endpoints = e }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

func WithFetchTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.fetchTimeout = d }
}

// WithUploader replaces the default HTTP object-storage uploader, e.g.
// with an S3Uploader.
func WithUploader(u Uploader) ClientOption {
	return func(c *Client) { c.uploader = u }
}

// NewClient creates a new wavechat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:       zerolog.Nop(),
		pollInterval: DefaultPollInterval,
		fetchTimeout: DefaultFetchTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.endpoints = c.endpoints.withFallback(defaultEndpoints(c.baseURL))
	if c.uploader == nil {
		c.uploader = NewHTTPUploader(c.endpoints.Upload, c.httpClient)
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Chats = &ChatsClient{c: c}
	return c
}

// Endpoints returns the resolved service URLs.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Uploader returns the attachment uploader in use.
func (c *Client) Uploader() Uploader {
	return c.uploader
}

// Logger returns the client logger.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, query map[string]string) (int, []byte, error) {
	u := endpoint
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// do performs a request and classifies the outcome: transport and decode
// failures become *TransientError, success:false becomes *RemoteError.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body interface{}, query map[string]string) (*Result, error) {
	status, data, err := c.doRequest(ctx, method, endpoint, body, query)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	// Gateways and crashed handlers may still answer with an error body.
	if status >= http.StatusInternalServerError {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d", status)}
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 300 {
			return nil, &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d", status)}
		}
		return nil, &TransientError{Op: op, Err: err}
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("request rejected (status %d)", status)
		}
		return nil, &RemoteError{Op: op, Message: msg}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient talks to the identity service.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, email, password string) (*User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, invalid(ErrMissingCredentials)
	}
	result, err := a.c.do(ctx, "login", http.MethodPost, a.c.endpoints.Auth, map[string]string{
		"action": "login", "email": email, "password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return result.user("login")
}

func (a *AuthClient) Register(ctx context.Context, email, password, username string) (*User, error) {
	if strings.TrimSpace(email) == "" || password == "" || strings.TrimSpace(username) == "" {
		return nil, invalid(ErrMissingCredentials)
	}
	result, err := a.c.do(ctx, "register", http.MethodPost, a.c.endpoints.Auth, map[string]string{
		"action": "register", "email": email, "password": password, "username": username,
	}, nil)
	if err != nil {
		return nil, err
	}
	return result.user("register")
}

// Get fetches a single user record.
func (a *AuthClient) Get(ctx context.Context, userID int64) (*User, error) {
	result, err := a.c.do(ctx, "get user", http.MethodGet, a.c.endpoints.Auth, nil, map[string]string{
		"user_id": idString(userID),
	})
	if err != nil {
		return nil, err
	}
	return result.user("get user")
}

func (a *AuthClient) UpdateAvatar(ctx context.Context, userID int64, avatarURL string) (*User, error) {
	result, err := a.c.do(ctx, "update profile", http.MethodPut, a.c.endpoints.Auth, map[string]interface{}{
		"user_id": userID, "avatar_url": avatarURL,
	}, nil)
	if err != nil {
		return nil, err
	}
	return result.user("update profile")
}

// UsersClient reads the user directory.
type UsersClient struct{ c *Client }

// List returns the directory listing in the service's native order.
// An empty search returns everyone.
func (u *UsersClient) List(ctx context.Context, search string) ([]User, error) {
	var query map[string]string
	if s := strings.TrimSpace(search); s != "" {
		query = map[string]string{"search": s}
	}
	result, err := u.c.do(ctx, "list users", http.MethodGet, u.c.endpoints.Users, nil, query)
	if err != nil {
		return nil, err
	}
	return result.Users, nil
}

// ChatsClient talks to the remote conversation log.
type ChatsClient struct{ c *Client }

// FetchMessages returns the full current message list of a conversation.
func (ch *ChatsClient) FetchMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	result, err := ch.c.do(ctx, "get messages", http.MethodGet, ch.c.endpoints.Chats, nil, map[string]string{
		"action": "get_messages", "chat_id": idString(conversationID),
	})
	if err != nil {
		return nil, err
	}
	for i := range result.Messages {
		if result.Messages[i].ConversationID == 0 {
			result.Messages[i].ConversationID = conversationID
		}
	}
	return result.Messages, nil
}

// SendMessage appends a message to the remote log. A reply that reports
// success without echoing the stored message yields a copy of req with a
// zero id; the next fetch delivers the authoritative copy.
func (ch *ChatsClient) SendMessage(ctx context.Context, req AppendRequest) (*Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body := struct {
		Action   string  `json:"action"`
		ChatID   int64   `json:"chat_id"`
		SenderID int64   `json:"sender_id"`
		Content  *string `json:"content"`
		ImageURL *string `json:"image_url"`
	}{"send_message", req.ConversationID, req.SenderID, req.Content, req.ImageURL}

	result, err := ch.c.do(ctx, "send message", http.MethodPost, ch.c.endpoints.Chats, body, nil)
	if err != nil {
		return nil, err
	}
	if result.Message == nil {
		return &Message{
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			Content:        req.Content,
			ImageURL:       req.ImageURL,
		}, nil
	}
	return result.Message, nil
}

// CreateChat asks the service for the direct conversation between two
// users. The service returns the existing id when one already exists.
func (ch *ChatsClient) CreateChat(ctx context.Context, user1ID, user2ID int64) (int64, error) {
	result, err := ch.c.do(ctx, "create chat", http.MethodPost, ch.c.endpoints.Chats, map[string]interface{}{
		"action": "create_chat", "user1_id": user1ID, "user2_id": user2ID,
	}, nil)
	if err != nil {
		return 0, err
	}
	if result.ChatID <= 0 {
		return 0, &TransientError{Op: "create chat", Err: fmt.Errorf("response has no chat_id")}
	}
	return result.ChatID, nil
}

// UserChats lists the conversations a user participates in, newest first.
func (ch *ChatsClient) UserChats(ctx context.Context, userID int64) ([]ChatSummary, error) {
	result, err := ch.c.do(ctx, "get user chats", http.MethodGet, ch.c.endpoints.Chats, nil, map[string]string{
		"action": "get_user_chats", "user_id": idString(userID),
	})
	if err != nil {
		return nil, err
	}
	return result.Chats, nil
}
