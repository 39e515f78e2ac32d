package wavechat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultEchoWindow bounds how far apart a pending echo and the
// authoritative copy may be in time and still be reconciled.
const DefaultEchoWindow = time.Minute

// MessageStore is the ordered, deduplicated timeline of one conversation.
// It is a cache of the remote log: only Merge adds confirmed messages.
// It is safe for concurrent use.
type MessageStore struct {
	conversationID int64
	echoWindow     time.Duration
	now            func() time.Time

	// notifyMu orders observer callbacks the same way as mutations.
	// Observers must not mutate the store they are subscribed to.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	byID      map[int64]struct{}
	ordered   []Message
	pending   []Message
	confirmed map[string]int64 // temp id -> id the remote log returned
	localSeq  int64
	observers map[int]func([]Message)
	nextObs   int
}

// NewMessageStore returns an empty timeline for one conversation.
func NewMessageStore(conversationID int64) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		echoWindow:     DefaultEchoWindow,
		now:            time.Now,
		byID:           make(map[int64]struct{}),
		confirmed:      make(map[string]int64),
		observers:      make(map[int]func([]Message)),
	}
}

func (s *MessageStore) ConversationID() int64 {
	return s.conversationID
}

// Merge folds a fetched batch into the timeline and returns the visible
// sequence. Known ids are skipped, so re-delivery is a no-op. Messages
// addressed to another conversation are ignored. Observers are notified
// only when the sequence changed.
func (s *MessageStore) Merge(incoming []Message) []Message {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := false
	for _, m := range incoming {
		if m.ConversationID == 0 {
			m.ConversationID = s.conversationID
		}
		if m.ConversationID != s.conversationID {
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		m.Pending, m.TempID = false, ""
		s.byID[m.ID] = struct{}{}
		s.ordered = append(s.ordered, m)
		s.reconcileLocked(m)
		changed = true
	}
	if changed {
		sort.SliceStable(s.ordered, func(i, j int) bool { return s.ordered[i].before(s.ordered[j]) })
	}
	snapshot := s.snapshotLocked()
	var observers []func([]Message)
	if changed {
		observers = s.observersLocked()
	}
	s.mu.Unlock()

	notify(observers, snapshot)
	return snapshot
}

// reconcileLocked drops the pending echo the confirmed message m stands
// for. An echo whose id is known matches on id alone. Otherwise the oldest
// unconfirmed echo with the same sender and payload inside the echo window
// is taken.
func (s *MessageStore) reconcileLocked(m Message) {
	for i, p := range s.pending {
		if id, ok := s.confirmed[p.TempID]; ok && id == m.ID {
			s.removePendingLocked(i)
			return
		}
	}
	for i, p := range s.pending {
		if _, ok := s.confirmed[p.TempID]; ok {
			continue
		}
		if p.SenderID != m.SenderID || p.Text() != m.Text() || p.Image() != m.Image() {
			continue
		}
		d := m.CreatedAt.Sub(p.CreatedAt.Time)
		if d < 0 {
			d = -d
		}
		if d > s.echoWindow {
			continue
		}
		s.removePendingLocked(i)
		return
	}
}

func (s *MessageStore) removePendingLocked(i int) {
	delete(s.confirmed, s.pending[i].TempID)
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
}

// Messages returns confirmed messages in timeline order followed by
// pending echoes in submit order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Confirmed returns only messages accepted by the remote log.
func (s *MessageStore) Confirmed() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.ordered...)
}

// Len counts confirmed messages and pending echoes.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered) + len(s.pending)
}

// Last returns the most recent confirmed message.
func (s *MessageStore) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ordered) == 0 {
		return Message{}, false
	}
	return s.ordered[len(s.ordered)-1], true
}

func (s *MessageStore) snapshotLocked() []Message {
	out := make([]Message, 0, len(s.ordered)+len(s.pending))
	out = append(out, s.ordered...)
	return append(out, s.pending...)
}

// ── Optimistic echo ──────────────────────────────────────

// AddPending shows a locally originated message before the remote log has
// accepted it. The echo carries a negative local id and a temp id.
func (s *MessageStore) AddPending(senderID int64, content, imageURL *string) Message {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.localSeq++
	m := Message{
		ID:             -s.localSeq,
		ConversationID: s.conversationID,
		SenderID:       senderID,
		Content:        content,
		ImageURL:       imageURL,
		CreatedAt:      Timestamp{Time: s.now().UTC()},
		TempID:         uuid.NewString(),
		Pending:        true,
	}
	s.pending = append(s.pending, m)
	snapshot := s.snapshotLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, snapshot)
	return m
}

// DropPending removes an echo whose send failed. Unknown ids are ignored.
func (s *MessageStore) DropPending(tempID string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	idx := -1
	for i, p := range s.pending {
		if p.TempID == tempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.removePendingLocked(idx)
	snapshot := s.snapshotLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, snapshot)
}

// ConfirmPending records the id the remote log assigned to an echo. The
// echo is then cleared when that id is merged, regardless of the clock it
// was stamped with. If the id is already in the timeline the echo goes
// at once. Unknown temp ids are ignored.
func (s *MessageStore) ConfirmPending(tempID string, id int64) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	idx := -1
	for i, p := range s.pending {
		if p.TempID == tempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	if _, merged := s.byID[id]; !merged {
		s.confirmed[tempID] = id
		s.mu.Unlock()
		return
	}
	s.removePendingLocked(idx)
	snapshot := s.snapshotLocked()
	observers := s.observersLocked()
	s.mu.Unlock()

	notify(observers, snapshot)
}

// ── Observers ────────────────────────────────────────────

// Subscribe registers fn to receive the visible sequence after every
// change. The returned func unregisters it.
func (s *MessageStore) Subscribe(fn func([]Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *MessageStore) observersLocked() []func([]Message) {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func([]Message), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func notify(observers []func([]Message), msgs []Message) {
	for _, fn := range observers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(append([]Message(nil), msgs...))
		}()
	}
}
