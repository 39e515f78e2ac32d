package wavechat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	wlog "github.com/socialwave/wavechat/internal/log"
)

// MessageFetcher returns the full current message list of a conversation.
// ChatsClient implements it.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID int64) ([]Message, error)
}

// SyncState is the phase of a poller.
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateFetching    SyncState = "fetching"
	StateMerged      SyncState = "merged"
	StateFetchFailed SyncState = "fetch_failed"
	StateStopped     SyncState = "stopped"
)

// SyncStats describes a poller's history.
type SyncStats struct {
	Polls               int
	Failures            int
	ConsecutiveFailures int
	LastError           error
	LastSuccess         time.Time
}

// SyncOptions configures the SyncEngine.
type SyncOptions struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Logger       *zerolog.Logger
}

// SyncEngine starts pollers that keep a MessageStore in step with the
// remote log. The interval is constant; failures are logged and the next
// tick retries.
type SyncEngine struct {
	fetcher      MessageFetcher
	interval     time.Duration
	fetchTimeout time.Duration
	logger       zerolog.Logger
}

// NewSyncEngine returns an engine polling fetcher. Zero fields in opts,
// or a nil opts, take the package defaults.
func NewSyncEngine(fetcher MessageFetcher, opts *SyncOptions) *SyncEngine {
	e := &SyncEngine{
		fetcher: fetcher,
		logger:  zerolog.Nop(),
	}
	if opts != nil {
		e.interval = opts.Interval
		e.fetchTimeout = opts.FetchTimeout
		if opts.Logger != nil {
			e.logger = *opts.Logger
		}
	}
	// Defaults
	if e.interval <= 0 {
		e.interval = DefaultPollInterval
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = DefaultFetchTimeout
	}
	return e
}

func (e *SyncEngine) Interval() time.Duration {
	return e.interval
}

// Start polls conversationID immediately and then on every interval,
// merging results into store, until Stop is called or ctx is done.
func (e *SyncEngine) Start(ctx context.Context, conversationID int64, store *MessageStore) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		engine:         e,
		conversationID: conversationID,
		store:          store,
		logger:         e.logger.With().Int64(wlog.FieldConversationID, conversationID).Logger(),
		state:          StateIdle,
		cancel:         cancel,
		pokeCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}
	go p.loop(ctx)
	return p
}

// Poller is the scheduler handle of one open conversation.
type Poller struct {
	engine         *SyncEngine
	conversationID int64
	store          *MessageStore
	logger         zerolog.Logger

	mu      sync.Mutex
	state   SyncState
	stats   SyncStats
	stopped bool

	cancel context.CancelFunc
	pokeCh chan struct{}
	doneCh chan struct{}
}

func (p *Poller) ConversationID() int64 {
	return p.conversationID
}

func (p *Poller) Store() *MessageStore {
	return p.store
}

func (p *Poller) State() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Stats() SyncStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Poke requests a poll as soon as the current one, if any, finishes.
// Repeated pokes coalesce.
func (p *Poller) Poke() {
	select {
	case p.pokeCh <- struct{}{}:
	default:
	}
}

// Stop cancels the poller and waits for its loop to exit. An in-flight
// fetch is cancelled and its result, should it still arrive, is dropped.
// No merge into the store happens after Stop returns. Stop is idempotent
// and must not be called from a store observer.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		p.state = StateStopped
	}
	p.mu.Unlock()
	p.cancel()
	<-p.doneCh
}

// Done is closed once the poll loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.doneCh
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)
	defer p.markStopped()

	p.poll(ctx)

	ticker := time.NewTicker(p.engine.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.pokeCh:
			p.poll(ctx)
		}
		// Ticks that fired during the fetch are dropped, not queued.
		select {
		case <-ticker.C:
		default:
		}
	}
}

func (p *Poller) markStopped() {
	p.mu.Lock()
	p.stopped = true
	p.state = StateStopped
	p.mu.Unlock()
}

func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	if p.stopped || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.state = StateFetching
	p.stats.Polls++
	p.mu.Unlock()

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, p.engine.fetchTimeout)
	msgs, err := p.engine.fetcher.FetchMessages(fctx, p.conversationID)
	cancel()

	p.mu.Lock()
	if p.stopped || ctx.Err() != nil {
		// Late result for a conversation that is no longer open.
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.state = StateFetchFailed
		p.stats.Failures++
		p.stats.ConsecutiveFailures++
		p.stats.LastError = err
		failures := p.stats.ConsecutiveFailures
		p.state = StateIdle
		p.mu.Unlock()

		p.logger.Warn().Err(err).
			Int(wlog.FieldConsecutiveFailures, failures).
			Msg("poll failed")
		return
	}
	p.state = StateMerged
	p.mu.Unlock()

	merged := p.store.Merge(msgs)

	p.mu.Lock()
	p.stats.ConsecutiveFailures = 0
	p.stats.LastError = nil
	p.stats.LastSuccess = time.Now()
	if !p.stopped {
		p.state = StateIdle
	}
	p.mu.Unlock()

	p.logger.Debug().
		Int(wlog.FieldMessages, len(merged)).
		Int64(wlog.FieldLatency, time.Since(start).Milliseconds()).
		Msg("poll merged")
}
