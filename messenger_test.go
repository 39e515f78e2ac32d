package wavechat

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialwave/wavechat/internal/remotetest"
)

type messengerFixture struct {
	fake  *remotetest.Server
	m     *Messenger
	annID int64
	bobID int64
	eveID int64
}

func newMessengerFixture(t *testing.T, opts ...MessengerOption) *messengerFixture {
	t.Helper()
	fake := remotetest.New()
	base := fake.Start(t)

	f := &messengerFixture{fake: fake}
	f.annID = fake.AddUser("ann", "ann@example.com", "pw", true)
	f.bobID = fake.AddUser("bob", "bob@example.com", "pw", true)
	f.eveID = fake.AddUser("eve", "eve@example.com", "pw", false)

	client := NewClient(
		WithBaseURL(base),
		WithPollInterval(20*time.Millisecond),
		WithFetchTimeout(time.Second),
	)
	f.m = NewMessenger(client, NewSession(User{ID: f.annID, Username: "ann"}), opts...)
	t.Cleanup(f.m.Close)
	return f
}

func texts(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text())
	}
	return out
}

func TestMessenger_SendAndSync(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()

	conv, err := f.m.OpenWith(ctx, f.bobID)
	require.NoError(t, err)
	assert.Equal(t, f.bobID, conv.PeerID())
	assert.Same(t, conv, f.m.Current())

	_, err = conv.SendText(ctx, "hello")
	require.NoError(t, err)
	f.fake.AddMessage(conv.ID(), f.bobID, "hi ann")

	waitFor(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 2 && !msgs[0].Pending && !msgs[1].Pending
	})
	assert.Equal(t, []string{"hello", "hi ann"}, texts(conv.Messages()))
	assert.False(t, conv.Sending())

	// Re-opening the same pair resolves to the same conversation.
	again, err := f.m.OpenWith(ctx, f.bobID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID(), again.ID())
	assert.Equal(t, 1, f.fake.CreateChatCount())
}

func TestMessenger_SwitchDropsLateResults(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()

	x := f.fake.AddChat(f.annID, f.bobID)
	y := f.fake.AddChat(f.annID, f.eveID)
	f.fake.AddMessage(x, f.bobID, "for x")
	f.fake.AddMessage(y, f.eveID, "for y")

	f.fake.DelayFetches(100 * time.Millisecond)
	convX := f.m.Open(ctx, x)
	waitFor(t, func() bool { return f.fake.FetchCount(x) >= 1 })

	convY := f.m.Open(ctx, y)
	assert.Equal(t, StateStopped, convX.State())

	var (
		mu   sync.Mutex
		seen []Message
	)
	convY.Subscribe(func(msgs []Message) {
		mu.Lock()
		seen = append(seen, msgs...)
		mu.Unlock()
	})
	f.fake.DelayFetches(0)
	waitFor(t, func() bool { return convY.Store().Len() == 1 })
	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, convX.Store().Len())
	assert.Equal(t, []string{"for y"}, texts(convY.Messages()))
	mu.Lock()
	defer mu.Unlock()
	for _, m := range seen {
		assert.Equal(t, y, m.ConversationID)
	}
}

func TestMessenger_FetchFailuresRecover(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	chatID := f.fake.AddChat(f.annID, f.bobID)
	f.fake.AddMessage(chatID, f.bobID, "eventually")
	f.fake.FailFetches(3)

	conv := f.m.Open(ctx, chatID)
	waitFor(t, func() bool { return conv.Store().Len() == 1 })
	stats := conv.Stats()
	assert.GreaterOrEqual(t, stats.Failures, 3)
	assert.Zero(t, stats.ConsecutiveFailures)
}

func TestMessenger_SendAttachment(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	conv, err := f.m.OpenWith(ctx, f.bobID)
	require.NoError(t, err)

	f.fake.FailUploads(1)
	_, err = conv.SendAttachment(ctx, png())
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	assert.Empty(t, f.fake.AppendBodies())

	msg, err := conv.SendAttachment(ctx, png())
	require.NoError(t, err)
	assert.True(t, msg.IsImage())

	bodies := f.fake.AppendBodies()
	require.Len(t, bodies, 1)
	assert.Nil(t, bodies[0]["content"])
	assert.Equal(t, msg.Image(), bodies[0]["image_url"])
	assert.Equal(t, 2, f.fake.UploadCount())

	waitFor(t, func() bool {
		c := conv.Store().Confirmed()
		return len(c) == 1 && c[0].IsImage()
	})
}

func TestMessenger_SendDraftAndRejection(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	conv, err := f.m.OpenWith(ctx, f.bobID)
	require.NoError(t, err)

	f.fake.RejectAppends("Chat is read-only")
	d := &Draft{Text: "hello"}
	_, err = conv.SendDraft(ctx, d)
	require.Error(t, err)
	assert.Equal(t, "Chat is read-only", UserMessage(err))
	assert.Equal(t, "hello", d.Text)
	assert.Zero(t, conv.Store().Len(), "echo must be dropped")

	f.fake.RejectAppends("")
	_, err = conv.SendDraft(ctx, d)
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestMessenger_Peers(t *testing.T) {
	f := newMessengerFixture(t)
	p, err := f.m.Peers(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names(p.Online))
	assert.Equal(t, []string{"eve"}, names(p.Offline))
}

func TestMessenger_Chats(t *testing.T) {
	f := newMessengerFixture(t)
	chatID := f.fake.AddChat(f.annID, f.eveID)

	chats, err := f.m.Chats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "eve", chats[0].OtherUsername)

	id, ok := f.m.Directory().Cached(f.annID, f.eveID)
	require.True(t, ok)
	assert.Equal(t, chatID, id)
}

func TestMessenger_ShareAvatar(t *testing.T) {
	sessions := NewMemorySessionStore()
	f := newMessengerFixture(t, WithSessionStore(sessions))

	u, err := f.m.ShareAvatar(context.Background(), png())
	require.NoError(t, err)
	assert.NotEmpty(t, u.AvatarURL)
	assert.Equal(t, u.AvatarURL, f.m.Session().User.AvatarURL)

	saved, err := sessions.Load()
	require.NoError(t, err)
	assert.Equal(t, u.AvatarURL, saved.User.AvatarURL)

	remote, ok := f.fake.User(f.annID)
	require.True(t, ok)
	assert.Equal(t, u.AvatarURL, remote.AvatarURL)
}

func TestMessenger_Close(t *testing.T) {
	f := newMessengerFixture(t)
	conv := f.m.Open(context.Background(), f.fake.AddChat(f.annID, f.bobID))
	f.m.Close()
	assert.Nil(t, f.m.Current())
	assert.Equal(t, StateStopped, conv.State())
	f.m.Close()
}

func TestMessenger_OrphanedAttachment(t *testing.T) {
	f := newMessengerFixture(t)
	ctx := context.Background()
	conv, err := f.m.OpenWith(ctx, f.bobID)
	require.NoError(t, err)

	f.fake.FailAppends(1)
	_, err = conv.SendAttachment(ctx, png())
	var orphan *OrphanResourceError
	require.ErrorAs(t, err, &orphan)
	assert.True(t, IsRetryable(err))
	_, stored := f.fake.File(orphan.URL)
	assert.True(t, stored, "the upload is not cleaned up")
	assert.Empty(t, f.fake.Messages(conv.ID()))
	assert.Zero(t, conv.Store().Len(), "echo must be dropped")

	msg, err := conv.SendAttachment(ctx, png())
	require.NoError(t, err)
	assert.NotEqual(t, orphan.URL, msg.Image(), "a retry uploads again")
	assert.Equal(t, 2, f.fake.UploadCount())
}

func TestMessenger_TimelineFollowsServerClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := remotetest.New(
		remotetest.WithClock(remotetest.StepClock(start, time.Second)),
		remotetest.WithLogger(zerolog.Nop()),
	)
	assert.Empty(t, fake.URL(), "not started")
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	annID := fake.AddUser("ann", "ann@example.com", "pw", true)
	eveID := fake.AddUser("eve", "eve@example.com", "pw", false)
	chatID := fake.AddChat(annID, eveID)
	fake.AddMessage(chatID, eveID, "first")
	fake.AddMessage(chatID, annID, "second")
	fake.AddMessage(chatID, eveID, "third")

	client := NewClient(WithBaseURL(srv.URL), WithPollInterval(20*time.Millisecond))
	m := NewMessenger(client, NewSession(User{ID: annID, Username: "ann"}))
	defer m.Close()

	conv := m.Open(context.Background(), chatID)
	waitFor(t, func() bool { return conv.Store().Len() == 3 })

	var want []string
	for _, msg := range fake.Messages(chatID) {
		want = append(want, *msg.Content)
	}
	assert.Equal(t, []string{"first", "second", "third"}, want)
	assert.Equal(t, want, texts(conv.Messages()))
	last, ok := conv.Store().Last()
	require.True(t, ok)
	assert.True(t, last.CreatedAt.Equal(start.Add(3*time.Second)))

	fake.SetOnline(eveID, true)
	p, err := m.Peers(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"eve"}, names(p.Online))
	assert.Empty(t, p.Offline)
}

func TestMessenger_EchoClearedUnderClockSkew(t *testing.T) {
	fake := remotetest.New(remotetest.WithClock(func() time.Time {
		return time.Now().UTC().Add(3 * time.Hour)
	}))
	base := fake.Start(t)
	annID := fake.AddUser("ann", "ann@example.com", "pw", true)
	bobID := fake.AddUser("bob", "bob@example.com", "pw", true)

	client := NewClient(WithBaseURL(base), WithPollInterval(20*time.Millisecond))
	m := NewMessenger(client, NewSession(User{ID: annID, Username: "ann"}))
	defer m.Close()

	ctx := context.Background()
	conv, err := m.OpenWith(ctx, bobID)
	require.NoError(t, err)
	sent, err := conv.SendText(ctx, "hello")
	require.NoError(t, err)
	require.Positive(t, sent.ID)

	waitFor(t, func() bool { return len(conv.Store().Confirmed()) == 1 })
	// Give a few more polls the chance to leave a stale echo behind.
	time.Sleep(100 * time.Millisecond)
	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.False(t, msgs[0].Pending)
}
