package wavechat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	wlog "github.com/socialwave/wavechat/internal/log"
)

// Appender writes a message to the remote log. ChatsClient implements it.
type Appender interface {
	SendMessage(ctx context.Context, req AppendRequest) (*Message, error)
}

// SendOptions configures the SendPipeline.
type SendOptions struct {
	MaxAttachmentSize int
	Logger            *zerolog.Logger
}

// SendPipeline validates and submits messages. At most one submission per
// conversation is in flight; accepted messages are left for the next poll
// rather than spliced into a store.
type SendPipeline struct {
	appender Appender
	uploader Uploader
	maxSize  int
	logger   zerolog.Logger

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewSendPipeline wires an appender and an uploader into a pipeline. A nil
// opts keeps the defaults.
func NewSendPipeline(appender Appender, uploader Uploader, opts *SendOptions) *SendPipeline {
	p := &SendPipeline{
		appender: appender,
		uploader: uploader,
		maxSize:  DefaultMaxAttachmentSize,
		logger:   zerolog.Nop(),
		inFlight: make(map[int64]struct{}),
	}
	if opts != nil {
		if opts.MaxAttachmentSize > 0 {
			p.maxSize = opts.MaxAttachmentSize
		}
		if opts.Logger != nil {
			p.logger = *opts.Logger
		}
	}
	return p
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	echo *MessageStore
	poke func()
}

// WithEcho shows a pending copy of the message in store until the
// authoritative copy is merged. The echo is dropped if the send fails.
func WithEcho(store *MessageStore) SubmitOption {
	return func(c *submitConfig) { c.echo = store }
}

// WithPoke runs fn after a successful append, typically Poller.Poke so the
// next poll picks the message up without waiting a full interval.
func WithPoke(fn func()) SubmitOption {
	return func(c *submitConfig) { c.poke = fn }
}

// InFlight reports whether a submission for conversationID is running.
func (p *SendPipeline) InFlight(conversationID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[conversationID]
	return ok
}

func (p *SendPipeline) acquire(conversationID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[conversationID]; ok {
		return false
	}
	p.inFlight[conversationID] = struct{}{}
	return true
}

func (p *SendPipeline) release(conversationID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, conversationID)
}

// SubmitText appends a text message. Content is trimmed; blank content is
// rejected without a network call.
func (p *SendPipeline) SubmitText(ctx context.Context, conversationID, senderID int64, content string, opts ...SubmitOption) (*Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil, invalid(ErrEmptyMessage)
	}
	if conversationID <= 0 || senderID <= 0 {
		return nil, invalid(ErrInvalidTarget)
	}
	if !p.acquire(conversationID) {
		return nil, ErrSendInFlight
	}
	defer p.release(conversationID)

	cfg := applySubmitOptions(opts)
	msg, err := p.appendMessage(ctx, cfg, AppendRequest{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        &text,
	})
	if err != nil {
		p.logger.Error().Err(err).
			Int64(wlog.FieldConversationID, conversationID).
			Int64(wlog.FieldSenderID, senderID).
			Str(wlog.FieldOp, "send text").
			Msg("send failed")
		return nil, err
	}
	return msg, nil
}

// SubmitAttachment uploads a and, only once the uploader has returned a
// URL, appends a message referencing it. If the append fails after a
// successful upload, an *OrphanResourceError carrying the URL is returned.
func (p *SendPipeline) SubmitAttachment(ctx context.Context, conversationID, senderID int64, a Attachment, opts ...SubmitOption) (*Message, error) {
	if len(a.Data) == 0 {
		return nil, invalid(ErrEmptyAttachment)
	}
	if len(a.Data) > p.maxSize {
		return nil, invalid(ErrAttachmentTooLarge)
	}
	if conversationID <= 0 || senderID <= 0 {
		return nil, invalid(ErrInvalidTarget)
	}
	if !p.acquire(conversationID) {
		return nil, ErrSendInFlight
	}
	defer p.release(conversationID)

	log := p.logger.With().
		Int64(wlog.FieldConversationID, conversationID).
		Int64(wlog.FieldSenderID, senderID).
		Str(wlog.FieldOp, "send attachment").
		Logger()

	url, err := p.uploader.Upload(ctx, a)
	if err == nil && url == "" {
		err = ErrNoReference
	}
	if err != nil {
		var ue *UploadError
		if !errors.As(err, &ue) {
			err = &UploadError{Err: err}
		}
		log.Error().Err(err).Msg("upload failed")
		return nil, err
	}

	cfg := applySubmitOptions(opts)
	msg, err := p.appendMessage(ctx, cfg, AppendRequest{
		ConversationID: conversationID,
		SenderID:       senderID,
		ImageURL:       &url,
	})
	if err != nil {
		log.Error().Err(err).Str(wlog.FieldURL, url).Msg("append failed after upload")
		return nil, &OrphanResourceError{URL: url, Err: err}
	}
	return msg, nil
}

// SubmitDraft sends whatever d holds and clears it on success. On failure
// the draft is kept so the user can retry.
func (p *SendPipeline) SubmitDraft(ctx context.Context, conversationID, senderID int64, d *Draft, opts ...SubmitOption) (*Message, error) {
	var (
		msg *Message
		err error
	)
	switch {
	case d == nil || d.Empty():
		return nil, invalid(ErrEmptyMessage)
	case d.File != nil:
		msg, err = p.SubmitAttachment(ctx, conversationID, senderID, *d.File, opts...)
	default:
		msg, err = p.SubmitText(ctx, conversationID, senderID, d.Text, opts...)
	}
	if err != nil {
		return nil, err
	}
	d.Discard()
	return msg, nil
}

func (p *SendPipeline) appendMessage(ctx context.Context, cfg submitConfig, req AppendRequest) (*Message, error) {
	var echo Message
	if cfg.echo != nil {
		echo = cfg.echo.AddPending(req.SenderID, req.Content, req.ImageURL)
	}
	msg, err := p.appender.SendMessage(ctx, req)
	if err != nil {
		if cfg.echo != nil {
			cfg.echo.DropPending(echo.TempID)
		}
		return nil, err
	}
	if cfg.echo != nil && msg != nil && msg.ID > 0 {
		cfg.echo.ConfirmPending(echo.TempID, msg.ID)
	}
	if cfg.poke != nil {
		cfg.poke()
	}
	return msg, nil
}

func applySubmitOptions(opts []SubmitOption) submitConfig {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ============================================================================
// Draft
// ============================================================================

// Draft is the unsent input of a conversation: a text buffer or a file.
// It lives only in memory.
type Draft struct {
	Text string
	File *Attachment
}

func (d *Draft) SetText(s string) {
	d.Text = s
	d.File = nil
}

func (d *Draft) SetFile(a Attachment) {
	d.File = &a
}

// Empty reports whether there is nothing sendable, matching the disabled
// state of a send button.
func (d *Draft) Empty() bool {
	return d.File == nil && strings.TrimSpace(d.Text) == ""
}

func (d *Draft) Discard() {
	d.Text = ""
	d.File = nil
}
