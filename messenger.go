package wavechat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	wlog "github.com/socialwave/wavechat/internal/log"
)

// Messenger ties a signed-in session to the sync engine, send pipeline and
// conversation directory. At most one conversation is open at a time.
type Messenger struct {
	client    *Client
	session   *Session
	sessions  SessionStore
	engine    *SyncEngine
	pipeline  *SendPipeline
	directory *Directory
	logger    zerolog.Logger

	// switchMu serializes Open and Close so two switches cannot interleave.
	switchMu sync.Mutex

	mu      sync.RWMutex
	current *Conversation
}

type MessengerOption func(*Messenger)

// WithSessionStore makes ShareAvatar persist the refreshed session.
func WithSessionStore(store SessionStore) MessengerOption {
	return func(m *Messenger) { m.sessions = store }
}

func WithMaxAttachmentSize(n int) MessengerOption {
	return func(m *Messenger) {
		m.pipeline.maxSize = n
	}
}

// NewMessenger builds a Messenger for the signed-in session. It shares
// client's logger and polling settings and makes no network calls.
func NewMessenger(client *Client, session *Session, opts ...MessengerOption) *Messenger {
	logger := client.Logger()
	m := &Messenger{
		client:  client,
		session: session,
		logger:  logger.With().Int64(wlog.FieldUserID, session.UserID()).Logger(),
		engine: NewSyncEngine(client.Chats, &SyncOptions{
			Interval:     client.pollInterval,
			FetchTimeout: client.fetchTimeout,
			Logger:       &logger,
		}),
		pipeline:  NewSendPipeline(client.Chats, client.Uploader(), &SendOptions{Logger: &logger}),
		directory: NewDirectory(client.Chats),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Messenger) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Messenger) Directory() *Directory {
	return m.directory
}

// OpenWith resolves the direct conversation with peerID and opens it.
func (m *Messenger) OpenWith(ctx context.Context, peerID int64) (*Conversation, error) {
	id, err := m.directory.Resolve(ctx, m.Session().UserID(), peerID)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, id, peerID), nil
}

// Open makes conversationID the current conversation. The previous
// poller is stopped before the new one starts, so nothing fetched for the
// old conversation reaches the new timeline. Polling lasts until the next
// Open, Close, or until ctx is done.
func (m *Messenger) Open(ctx context.Context, conversationID int64) *Conversation {
	return m.open(ctx, conversationID, 0)
}

func (m *Messenger) open(ctx context.Context, conversationID, peerID int64) *Conversation {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		prev.poller.Stop()
	}

	store := NewMessageStore(conversationID)
	conv := &Conversation{
		m:      m,
		id:     conversationID,
		peerID: peerID,
		store:  store,
	}
	conv.poller = m.engine.Start(ctx, conversationID, store)

	m.mu.Lock()
	m.current = conv
	m.mu.Unlock()

	m.logger.Debug().
		Int64(wlog.FieldConversationID, conversationID).
		Int64(wlog.FieldPeerID, peerID).
		Msg("conversation opened")
	return conv
}

// Current returns the open conversation, or nil.
func (m *Messenger) Current() *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Close stops polling the current conversation.
func (m *Messenger) Close() {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		prev.poller.Stop()
	}
}

// Peers lists the directory, optionally filtered by search, without the
// signed-in user and split by presence.
func (m *Messenger) Peers(ctx context.Context, search string) (Presence, error) {
	users, err := m.client.Users.List(ctx, search)
	if err != nil {
		return Presence{}, err
	}
	return PartitionPresence(users, m.Session().UserID()), nil
}

func (m *Messenger) Chats(ctx context.Context) ([]ChatSummary, error) {
	return m.directory.Chats(ctx, m.Session().UserID())
}

// ShareAvatar uploads a as the user's avatar and records the new URL with
// the identity service. The in-memory session, and the session store when
// one is configured, are refreshed with the returned record.
func (m *Messenger) ShareAvatar(ctx context.Context, a Attachment) (*User, error) {
	if m.Session() == nil {
		return nil, ErrNoSession
	}
	if len(a.Data) == 0 {
		return nil, invalid(ErrEmptyAttachment)
	}
	if len(a.Data) > m.pipeline.maxSize {
		return nil, invalid(ErrAttachmentTooLarge)
	}
	url, err := m.client.Uploader().Upload(ctx, a)
	if err != nil {
		return nil, err
	}
	user, err := m.client.Auth.UpdateAvatar(ctx, m.Session().UserID(), url)
	if err != nil {
		return nil, &OrphanResourceError{URL: url, Err: err}
	}

	m.mu.Lock()
	next := *m.session
	next.User = *user
	m.session = &next
	m.mu.Unlock()

	if m.sessions != nil {
		if err := m.sessions.Save(&next); err != nil {
			return user, err
		}
	}
	return user, nil
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is an open conversation: its timeline and the poller
// keeping it current.
type Conversation struct {
	m      *Messenger
	id     int64
	peerID int64
	store  *MessageStore
	poller *Poller
}

func (c *Conversation) ID() int64 {
	return c.id
}

// PeerID is set when the conversation was opened with OpenWith.
func (c *Conversation) PeerID() int64 {
	return c.peerID
}

func (c *Conversation) Store() *MessageStore {
	return c.store
}

func (c *Conversation) Poller() *Poller {
	return c.poller
}

func (c *Conversation) Messages() []Message {
	return c.store.Messages()
}

func (c *Conversation) Subscribe(fn func([]Message)) func() {
	return c.store.Subscribe(fn)
}

func (c *Conversation) State() SyncState {
	return c.poller.State()
}

func (c *Conversation) Stats() SyncStats {
	return c.poller.Stats()
}

// Refresh polls now instead of waiting for the next tick.
func (c *Conversation) Refresh() {
	c.poller.Poke()
}

func (c *Conversation) SendText(ctx context.Context, text string) (*Message, error) {
	return c.m.pipeline.SubmitText(ctx, c.id, c.m.Session().UserID(), text, c.submitOptions()...)
}

func (c *Conversation) SendAttachment(ctx context.Context, a Attachment) (*Message, error) {
	return c.m.pipeline.SubmitAttachment(ctx, c.id, c.m.Session().UserID(), a, c.submitOptions()...)
}

func (c *Conversation) SendDraft(ctx context.Context, d *Draft) (*Message, error) {
	return c.m.pipeline.SubmitDraft(ctx, c.id, c.m.Session().UserID(), d, c.submitOptions()...)
}

// Sending reports whether a submission for this conversation is in flight.
func (c *Conversation) Sending() bool {
	return c.m.pipeline.InFlight(c.id)
}

func (c *Conversation) submitOptions() []SubmitOption {
	return []SubmitOption{WithEcho(c.store), WithPoke(c.poller.Poke)}
}
