package wavechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordingAppender struct {
	mu    sync.Mutex
	calls []AppendRequest
	err   error
	gate  chan struct{}
	// events is shared with fakeUploader to check call order.
	events *[]string
}

func (a *recordingAppender) SendMessage(_ context.Context, req AppendRequest) (*Message, error) {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.events != nil {
		*a.events = append(*a.events, "append")
	}
	if a.err != nil {
		return nil, a.err
	}
	return &Message{
		ID:             int64(len(a.calls)),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		ImageURL:       req.ImageURL,
	}, nil
}

func (a *recordingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeUploader struct {
	url    string
	errs   []error
	calls  int
	events *[]string
}

func (u *fakeUploader) Upload(_ context.Context, _ Attachment) (string, error) {
	u.calls++
	if u.events != nil {
		*u.events = append(*u.events, "upload")
	}
	if len(u.errs) > 0 {
		err := u.errs[0]
		u.errs = u.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return u.url, nil
}

func png() Attachment {
	return Attachment{FileName: "cat.png", Data: []byte{0x89, 'P', 'N', 'G'}}
}

// ============================================================================
// SubmitText
// ============================================================================

func TestSendPipeline_SubmitText(t *testing.T) {
	ctx := context.Background()

	t.Run("trims and appends", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)

		msg, err := p.SubmitText(ctx, 7, 3, "  hello \n")
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.Text())

		require.Len(t, app.calls, 1)
		req := app.calls[0]
		assert.Equal(t, int64(7), req.ConversationID)
		assert.Equal(t, int64(3), req.SenderID)
		require.NotNil(t, req.Content)
		assert.Equal(t, "hello", *req.Content)
		assert.Nil(t, req.ImageURL)
	})

	t.Run("whitespace rejected without a call", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)

		for _, in := range []string{"", "   ", "\t\n"} {
			_, err := p.SubmitText(ctx, 7, 3, in)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.ErrorIs(t, err, ErrEmptyMessage)
		}
		assert.Zero(t, app.count())
	})

	t.Run("invalid target", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)
		_, err := p.SubmitText(ctx, 0, 3, "hi")
		assert.ErrorIs(t, err, ErrInvalidTarget)
		assert.Zero(t, app.count())
	})

	t.Run("pokes on success only", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)
		pokes := 0
		poke := WithPoke(func() { pokes++ })

		_, err := p.SubmitText(ctx, 7, 3, "one", poke)
		require.NoError(t, err)
		app.err = &TransientError{Op: "send message", Err: errors.New("reset")}
		_, err = p.SubmitText(ctx, 7, 3, "two", poke)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, 1, pokes)
	})

	t.Run("echo dropped on failure", func(t *testing.T) {
		app := &recordingAppender{err: &RemoteError{Op: "send message", Message: "Chat not found"}}
		p := NewSendPipeline(app, &fakeUploader{}, nil)
		store := NewMessageStore(7)

		_, err := p.SubmitText(ctx, 7, 3, "hello", WithEcho(store))
		require.Error(t, err)
		assert.Equal(t, "Chat not found", UserMessage(err))
		assert.Zero(t, store.Len())
	})

	t.Run("echo kept on success until merged", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)
		store := NewMessageStore(7)

		_, err := p.SubmitText(ctx, 7, 3, "hello", WithEcho(store))
		require.NoError(t, err)
		msgs := store.Messages()
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Pending)
		assert.Empty(t, store.Confirmed())
	})

	t.Run("echo cleared by returned id", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)
		store := NewMessageStore(7)

		msg, err := p.SubmitText(ctx, 7, 3, "hello", WithEcho(store))
		require.NoError(t, err)
		// The remote log stamps its own clock, far from the echo's.
		late := *msg
		late.CreatedAt = Timestamp{Time: time.Now().UTC().Add(3 * time.Hour)}
		got := store.Merge([]Message{late})
		require.Len(t, got, 1)
		assert.Equal(t, msg.ID, got[0].ID)
		assert.False(t, got[0].Pending)
	})
}

func TestSendPipeline_SingleFlight(t *testing.T) {
	ctx := context.Background()
	app := &recordingAppender{gate: make(chan struct{})}
	p := NewSendPipeline(app, &fakeUploader{url: "http://x/y.png"}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.SubmitText(ctx, 7, 3, "hello")
		done <- err
	}()
	waitFor(t, func() bool { return p.InFlight(7) })

	_, err := p.SubmitText(ctx, 7, 3, "hello")
	assert.ErrorIs(t, err, ErrSendInFlight)
	_, err = p.SubmitAttachment(ctx, 7, 3, png())
	assert.ErrorIs(t, err, ErrSendInFlight)

	// Other conversations are independent.
	go func() { _, _ = p.SubmitText(ctx, 8, 3, "elsewhere") }()
	waitFor(t, func() bool { return p.InFlight(8) })

	close(app.gate)
	require.NoError(t, <-done)
	waitFor(t, func() bool { return !p.InFlight(7) && !p.InFlight(8) })
	assert.Equal(t, 2, app.count())
}

// ============================================================================
// SubmitAttachment
// ============================================================================

func TestSendPipeline_SubmitAttachment(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads before append", func(t *testing.T) {
		var events []string
		app := &recordingAppender{events: &events}
		up := &fakeUploader{url: "https://cdn.example.com/cat.png", events: &events}
		p := NewSendPipeline(app, up, nil)

		msg, err := p.SubmitAttachment(ctx, 7, 3, png())
		require.NoError(t, err)
		assert.Equal(t, []string{"upload", "append"}, events)
		assert.Equal(t, "https://cdn.example.com/cat.png", msg.Image())

		req := app.calls[0]
		assert.Nil(t, req.Content)
		require.NotNil(t, req.ImageURL)
		assert.Equal(t, "https://cdn.example.com/cat.png", *req.ImageURL)
	})

	t.Run("upload failure then retry", func(t *testing.T) {
		app := &recordingAppender{}
		up := &fakeUploader{url: "https://cdn.example.com/cat.png", errs: []error{errors.New("503")}}
		p := NewSendPipeline(app, up, nil)

		_, err := p.SubmitAttachment(ctx, 7, 3, png())
		var ue *UploadError
		require.ErrorAs(t, err, &ue)
		assert.True(t, IsRetryable(err))
		assert.Zero(t, app.count())

		msg, err := p.SubmitAttachment(ctx, 7, 3, png())
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/cat.png", msg.Image())
		assert.Equal(t, 1, app.count())
		assert.Equal(t, 2, up.calls)
	})

	t.Run("empty url is an upload failure", func(t *testing.T) {
		app := &recordingAppender{}
		p := NewSendPipeline(app, &fakeUploader{}, nil)
		_, err := p.SubmitAttachment(ctx, 7, 3, png())
		var ue *UploadError
		require.ErrorAs(t, err, &ue)
		assert.ErrorIs(t, err, ErrNoReference)
		assert.Zero(t, app.count())
	})

	t.Run("append failure leaves orphan", func(t *testing.T) {
		app := &recordingAppender{err: &TransientError{Op: "send message", Err: errors.New("timeout")}}
		p := NewSendPipeline(app, &fakeUploader{url: "https://cdn.example.com/cat.png"}, nil)
		store := NewMessageStore(7)

		_, err := p.SubmitAttachment(ctx, 7, 3, png(), WithEcho(store))
		var oe *OrphanResourceError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, "https://cdn.example.com/cat.png", oe.URL)
		assert.True(t, IsRetryable(err))
		assert.Zero(t, store.Len())
	})

	t.Run("validation", func(t *testing.T) {
		up := &fakeUploader{url: "u"}
		p := NewSendPipeline(&recordingAppender{}, up, &SendOptions{MaxAttachmentSize: 3})

		_, err := p.SubmitAttachment(ctx, 7, 3, Attachment{FileName: "a.png"})
		assert.ErrorIs(t, err, ErrEmptyAttachment)
		_, err = p.SubmitAttachment(ctx, 7, 3, png())
		assert.ErrorIs(t, err, ErrAttachmentTooLarge)
		assert.True(t, IsValidation(err))
		assert.Zero(t, up.calls)
	})
}

// ============================================================================
// Draft
// ============================================================================

func TestSendPipeline_SubmitDraft(t *testing.T) {
	ctx := context.Background()

	t.Run("cleared on success", func(t *testing.T) {
		p := NewSendPipeline(&recordingAppender{}, &fakeUploader{}, nil)
		d := &Draft{}
		d.SetText("hello")
		_, err := p.SubmitDraft(ctx, 7, 3, d)
		require.NoError(t, err)
		assert.True(t, d.Empty())
	})

	t.Run("kept on failure", func(t *testing.T) {
		up := &fakeUploader{errs: []error{errors.New("down")}, url: "u"}
		p := NewSendPipeline(&recordingAppender{}, up, nil)
		d := &Draft{}
		d.SetFile(png())
		_, err := p.SubmitDraft(ctx, 7, 3, d)
		require.Error(t, err)
		require.NotNil(t, d.File)
		assert.Equal(t, "cat.png", d.File.FileName)
	})

	t.Run("empty", func(t *testing.T) {
		p := NewSendPipeline(&recordingAppender{}, &fakeUploader{}, nil)
		_, err := p.SubmitDraft(ctx, 7, 3, &Draft{Text: "  "})
		assert.ErrorIs(t, err, ErrEmptyMessage)
		_, err = p.SubmitDraft(ctx, 7, 3, nil)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})
}
