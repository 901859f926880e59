package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/debounce"
	"github.com/mmynk/tabsplit/internal/metrics"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// DefaultDebounce is longer than the private session window; collaborative
// writes fan out to every member.
const DefaultDebounce = time.Second

// ClientOptions configures a Client. Zero values take the defaults.
type ClientOptions struct {
	Debounce time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Client is one member's view of a collaborative session. It owns exactly one
// store subscription, applies local edits immediately and pushes the changed
// fields after a quiet period.
//
// Conflicts are resolved by the store: concurrent edits to different fields
// both survive, concurrent edits to the same field keep whichever the store
// commits last.
type Client struct {
	store storage.CollabStore
	id    string
	opts  ClientOptions
	log   *slog.Logger

	sub       storage.Subscription
	debouncer *debounce.Debouncer
	updates   chan *models.CollaborativeSession
	loopDone  chan struct{}

	flushMu sync.Mutex

	mu       sync.Mutex
	doc      *models.CollaborativeSession
	pending  *storage.EditUpdate
	inflight *storage.EditUpdate
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// Open subscribes to a collaborative session and waits for its first snapshot.
func Open(ctx context.Context, store storage.CollabStore, sessionID string, opts ClientOptions) (*Client, error) {
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// The subscription outlives ctx; Close releases it.
	sub, err := store.SubscribeCollabSession(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return nil, err
	}

	var first *models.CollaborativeSession
	select {
	case first = <-sub.Updates():
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}
	if first == nil {
		sub.Close()
		return nil, fmt.Errorf("subscription to %s closed before the first snapshot", sessionID)
	}

	c := &Client{
		store:    store,
		id:       sessionID,
		opts:     opts,
		log:      opts.Logger.With("session_id", sessionID),
		sub:      sub,
		updates:  make(chan *models.CollaborativeSession, 16),
		loopDone: make(chan struct{}),
		doc:      first,
	}
	c.debouncer = debounce.New(opts.Debounce, c.flushInBackground)
	metrics.CollabSubscribers.Inc()
	go c.loop()
	return c, nil
}

// ID returns the session ID.
func (c *Client) ID() string { return c.id }

// State returns a copy of the local view: the latest snapshot with pending local edits on top.
func (c *Client) State() *models.CollaborativeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

// Updates delivers the local view after every remote snapshot. It is closed
// after the ended snapshot or when the subscription ends.
func (c *Client) Updates() <-chan *models.CollaborativeSession { return c.updates }

// Done is closed when the client stops receiving snapshots: the session ended,
// the subscription failed or Close was called. Close still has to be called to
// release the subscription.
func (c *Client) Done() <-chan struct{} { return c.loopDone }

func (c *Client) loop() {
	defer close(c.loopDone)
	defer close(c.updates)
	if c.State().Ended() {
		return
	}
	for remote := range c.sub.Updates() {
		view := c.applyRemote(remote)
		select {
		case c.updates <- view:
		default:
			// Keep the newest view for slow readers.
			select {
			case <-c.updates:
			default:
			}
			c.updates <- view
		}
		if view.Ended() {
			c.log.Debug("Collaborative session ended, stopping updates")
			return
		}
	}
}

// applyRemote replaces every field that has no unpushed local change.
func (c *Client) applyRemote(remote *models.CollaborativeSession) *models.CollaborativeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := remote.Clone()
	if c.inflight != nil {
		c.inflight.Apply(&next.EditState)
	}
	if c.pending != nil {
		c.pending.Apply(&next.EditState)
	}
	c.doc = next
	if next.Ended() {
		c.pending = nil
		c.debouncer.Cancel()
	}
	return next.Clone()
}

// Edit applies fn to the shared edit state and schedules a push of the changed
// fields. Ended sessions reject edits.
func (c *Client) Edit(fn func(e *billedit.Editor) error) (*models.CollaborativeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc.Ended() {
		return nil, ErrSessionEnded
	}
	if c.closed {
		return nil, errors.New("collaborative client is closed")
	}

	work := c.doc.EditState.Clone()
	if err := fn(billedit.New(&work)); err != nil {
		return nil, err
	}
	diff := storage.Diff(c.doc.EditState, work)
	if diff.Empty() {
		return c.doc.Clone(), nil
	}
	c.doc.EditState = work
	if c.pending == nil {
		c.pending = &storage.EditUpdate{}
	}
	c.pending.Merge(diff)
	c.debouncer.Trigger()
	return c.doc.Clone(), nil
}

func (c *Client) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		c.log.Error("Failed to push collaborative edits", "error", err)
	}
}

// Flush pushes pending edits now.
func (c *Client) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.debouncer.Cancel()

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil
	}
	u := *c.pending
	c.inflight, c.pending = c.pending, nil
	c.mu.Unlock()

	updated, err := c.store.UpdateCollabFields(ctx, c.id, u, c.opts.Clock())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = nil
	switch {
	case errors.Is(err, storage.ErrSessionEnded):
		// The session ended under us; local edits are discarded.
		c.pending = nil
		c.doc.Status = models.CollabEnded
		metrics.SessionFlushes.WithLabelValues("collab", "error").Inc()
		return ErrSessionEnded
	case err != nil:
		restored := u
		if c.pending != nil {
			restored.Merge(*c.pending)
		}
		c.pending = &restored
		metrics.SessionFlushes.WithLabelValues("collab", "error").Inc()
		return fmt.Errorf("failed to push collaborative edits: %w", err)
	}

	metrics.SessionFlushes.WithLabelValues("collab", "ok").Inc()
	// Fold in our own commit in case the snapshot for it is still in flight.
	next := updated.Clone()
	if c.pending != nil {
		c.pending.Apply(&next.EditState)
	}
	c.doc = next
	return nil
}

// End flushes pending edits and ends the session. Only the creator may end it.
func (c *Client) End(ctx context.Context, userID string) error {
	if err := c.Flush(ctx); err != nil && !errors.Is(err, ErrSessionEnded) {
		c.log.Warn("Ending session with unpushed edits", "error", err)
	}
	ended, err := End(ctx, c.store, c.id, userID, c.opts.Clock())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.doc.Status = ended.Status
	c.doc.LastActivity = ended.LastActivity
	c.pending = nil
	c.mu.Unlock()
	return nil
}

// Close pushes pending edits and releases the subscription. It blocks until
// the update loop has stopped.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		err := c.Flush(ctx)
		if errors.Is(err, ErrSessionEnded) {
			err = nil
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.debouncer.Stop()

		if cerr := c.sub.Close(); cerr != nil && err == nil {
			err = cerr
		}
		<-c.loopDone
		metrics.CollabSubscribers.Dec()
		c.closeErr = err
	})
	return c.closeErr
}
