// Package session manages the lifecycle of an owner's private sessions:
// debounced saves into the single active session, archive, resume and delete.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/debounce"
	"github.com/mmynk/tabsplit/internal/metrics"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
	"github.com/mmynk/tabsplit/internal/storage/blob"
)

const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultIdleTimeout = 20 * time.Minute
	DefaultWarnAfter   = 3

	flushTimeout = 10 * time.Second
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	// Debounce is the quiet period before pending edits are written.
	Debounce time.Duration

	// IdleTimeout is how long the owner may stay in the background before
	// the active session is archived on return.
	IdleTimeout time.Duration

	// WarnAfter is the number of consecutive failed flushes that raises a warning.
	WarnAfter int

	// RetryAttempts bounds the backoff retries of a single flush.
	RetryAttempts int

	// RetryInterval is the first backoff interval.
	RetryInterval time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Debounce == 0 {
		o.Debounce = DefaultDebounce
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.WarnAfter == 0 {
		o.WarnAfter = DefaultWarnAfter
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 2
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// PersistenceError reports a flush that could not be written. The edits stay
// pending and are retried by the next flush.
type PersistenceError struct {
	OwnerID     string
	Consecutive int
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist session for %s (%d consecutive): %v", e.OwnerID, e.Consecutive, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Manager owns the in-memory working copy of one owner's active session and
// writes it back to the store.
type Manager struct {
	store   storage.SessionStore
	blobs   blob.Store
	ownerID string
	opts    Options
	log     *slog.Logger

	debouncer *debounce.Debouncer
	errs      chan error

	// flushMu serializes store writes so lifecycle operations always run
	// against the latest flushed document.
	flushMu sync.Mutex

	mu           sync.Mutex
	current      *models.Session
	pending      *Patch
	failures     int
	backgrounded time.Time
	closed       bool
}

// NewManager creates a Manager for ownerID. Call Load to read the stored active session.
func NewManager(store storage.SessionStore, blobs blob.Store, ownerID string, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		store:   store,
		blobs:   blobs,
		ownerID: ownerID,
		opts:    opts,
		log:     opts.Logger.With("owner_id", ownerID),
		errs:    make(chan error, 8),
	}
	m.debouncer = debounce.New(opts.Debounce, m.flushInBackground)
	return m
}

// OwnerID returns the owner this manager serves.
func (m *Manager) OwnerID() string { return m.ownerID }

// Errors delivers asynchronous flush failures. Errors are dropped when nobody reads.
func (m *Manager) Errors() <-chan error { return m.errs }

// State returns a copy of the working session, or nil when there is none.
func (m *Manager) State() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Load reads the stored active session into memory. Pending edits are kept on top.
func (m *Manager) Load(ctx context.Context) (*models.Session, error) {
	stored, err := m.store.GetActiveSession(ctx, m.ownerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stored != nil {
		if m.pending != nil {
			m.pending.apply(stored)
		}
		m.current = stored
	}
	return m.current.Clone(), nil
}

// Save merges patch into the working copy and schedules a debounced write.
func (m *Manager) Save(patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(patch)
}

func (m *Manager) saveLocked(patch Patch) error {
	if m.closed {
		return errors.New("session manager is closed")
	}
	if patch.empty() {
		return nil
	}
	if m.current == nil {
		m.current = &models.Session{OwnerID: m.ownerID, Status: models.SessionActive}
	}
	patch.apply(m.current)
	if m.pending == nil {
		m.pending = &Patch{}
	}
	m.pending.merge(patch)
	m.debouncer.Trigger()
	return nil
}

// Edit applies fn to a copy of the edit state. When fn succeeds the changed
// fields are saved; when it fails nothing changes.
func (m *Manager) Edit(fn func(e *billedit.Editor) error) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var before models.EditState
	if m.current != nil {
		before = m.current.EditState
	}
	work := before.Clone()
	if err := fn(billedit.New(&work)); err != nil {
		return nil, err
	}
	if err := m.saveLocked(Patch{EditUpdate: storage.Diff(before, work)}); err != nil {
		return nil, err
	}
	return m.current.Clone(), nil
}

// Flush writes pending edits now.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushLocked(ctx)
}

func (m *Manager) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	// Failures are reported through Errors.
	_ = m.Flush(ctx)
}

// flushLocked writes the pending patch with an atomic upsert. A lost creation
// race surfaces as storage.ErrConflict; the retry re-reads and applies the
// patch to the winner. Callers hold flushMu.
func (m *Manager) flushLocked(ctx context.Context) error {
	m.debouncer.Cancel()

	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return nil
	}
	patch := *m.pending
	m.pending = nil
	m.mu.Unlock()

	var saved *models.Session
	op := func() error {
		s, err := m.store.UpsertActiveSession(ctx, m.ownerID, func(current *models.Session) (*models.Session, error) {
			next := current.Clone()
			if next == nil {
				next = &models.Session{}
			}
			patch.apply(next)
			return next, nil
		})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				m.log.Debug("Active session creation raced, retrying against winner")
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		saved = s
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.opts.RetryInterval
	exp.Multiplier = 2
	exp.Reset()
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(exp, uint64(m.opts.RetryAttempts)), ctx))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		restored := patch
		if m.pending != nil {
			restored.merge(*m.pending)
		}
		m.pending = &restored
		m.failures++
		metrics.SessionFlushes.WithLabelValues("private", "error").Inc()

		perr := &PersistenceError{OwnerID: m.ownerID, Consecutive: m.failures, Err: err}
		m.log.Error("Failed to persist session", "error", err, "consecutive", m.failures)
		if m.failures == m.opts.WarnAfter {
			m.log.Warn("Session edits are not being saved", "consecutive", m.failures)
			metrics.PersistenceWarnings.WithLabelValues("private").Inc()
		}
		select {
		case m.errs <- perr:
		default:
		}
		return perr
	}

	m.failures = 0
	metrics.SessionFlushes.WithLabelValues("private", "ok").Inc()
	if m.current == nil {
		m.current = saved.Clone()
	} else {
		// Keep edits made while the write was in flight.
		m.current.ID = saved.ID
		m.current.OwnerID = saved.OwnerID
		m.current.Status = saved.Status
		m.current.SavedAt = nil
		m.current.CreatedAt = saved.CreatedAt
		m.current.UpdatedAt = saved.UpdatedAt
	}
	return nil
}

// ArchiveAndStartNew flushes pending edits, marks the stored active session as
// saved and clears the working copy so the next edit starts a fresh session.
// It returns the archived session, or nil when nothing was active.
func (m *Manager) ArchiveAndStartNew(ctx context.Context) (*models.Session, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	if err := m.flushLocked(ctx); err != nil {
		return nil, err
	}
	return m.archiveLocked(m.store.ArchiveActiveSession(ctx, m.ownerID))
}

// archiveLocked clears the working copy after the store archived. Callers hold flushMu.
func (m *Manager) archiveLocked(archived *models.Session, err error) (*models.Session, error) {
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to archive session: %w", err)
	}

	m.mu.Lock()
	m.current = nil
	m.pending = nil
	m.backgrounded = time.Time{}
	m.debouncer.Cancel()
	m.mu.Unlock()

	if archived != nil {
		metrics.SessionTransitions.WithLabelValues("archive").Inc()
		m.log.Info("Archived session", "session_id", archived.ID)
	}
	return archived, nil
}

// ArchiveIfIdle archives the active session only when the owner is idle: in
// the background since before cutoff, or with no pending edits and no write
// since cutoff. It returns nil without error when the owner is still active.
func (m *Manager) ArchiveIfIdle(ctx context.Context, cutoff time.Time) (*models.Session, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	away := !m.backgrounded.IsZero() && m.backgrounded.Before(cutoff)
	editing := m.pending != nil || (m.current != nil && !m.current.UpdatedAt.Before(cutoff))
	m.mu.Unlock()

	switch {
	case away:
		if err := m.flushLocked(ctx); err != nil {
			return nil, err
		}
		return m.archiveLocked(m.store.ArchiveActiveSession(ctx, m.ownerID))
	case editing:
		return nil, nil
	}

	archived, err := m.store.ArchiveIdleSession(ctx, m.ownerID, cutoff)
	if errors.Is(err, storage.ErrNotFound) {
		// Written by another replica since the listing; keep the working copy.
		return nil, nil
	}
	return m.archiveLocked(archived, err)
}

// EnterBackground records when the owner left and flushes pending edits.
func (m *Manager) EnterBackground(ctx context.Context) error {
	m.mu.Lock()
	m.backgrounded = m.opts.Clock()
	m.mu.Unlock()
	return m.Flush(ctx)
}

// EnterForeground archives the active session when the owner was away longer
// than the idle timeout. It reports whether it archived.
func (m *Manager) EnterForeground(ctx context.Context) (bool, error) {
	m.mu.Lock()
	since := m.backgrounded
	m.backgrounded = time.Time{}
	m.mu.Unlock()

	if since.IsZero() || m.opts.Clock().Sub(since) < m.opts.IdleTimeout {
		return false, nil
	}
	archived, err := m.ArchiveAndStartNew(ctx)
	if err != nil {
		return false, err
	}
	if archived != nil {
		metrics.SessionTransitions.WithLabelValues("idle_archive").Inc()
	}
	return archived != nil, nil
}

// Resume archives the current active session and activates sessionID in one
// transaction. On failure both sessions keep their previous state.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.Session, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	if err := m.flushLocked(ctx); err != nil {
		return nil, err
	}

	resumed, err := m.store.ResumeSession(ctx, m.ownerID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session: %w", err)
	}

	m.mu.Lock()
	m.current = resumed.Clone()
	m.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues("resume").Inc()
	m.log.Info("Resumed session", "session_id", sessionID)
	return resumed, nil
}

// Delete removes a session, then deletes its receipt image. A failed image
// deletion is logged only; the session document is already gone.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	deletingActive := m.current != nil && m.current.ID == sessionID
	m.mu.Unlock()
	if deletingActive {
		// Pending edits would otherwise recreate the deleted session.
		if err := m.flushLocked(ctx); err != nil {
			return err
		}
	}

	deleted, err := m.store.DeleteSession(ctx, m.ownerID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if deletingActive {
		m.mu.Lock()
		m.current = nil
		m.pending = nil
		m.debouncer.Cancel()
		m.mu.Unlock()
	}
	metrics.SessionTransitions.WithLabelValues("delete").Inc()

	if deleted.ReceiptImage != nil && deleted.ReceiptImage.StorageKey != "" {
		if err := m.blobs.Delete(ctx, deleted.ReceiptImage.StorageKey); err != nil {
			m.log.Warn("Failed to delete receipt image", "session_id", sessionID, "key", deleted.ReceiptImage.StorageKey, "error", err)
		}
	}
	return nil
}

// ReplaceReceiptImage uploads a new receipt image and points the active session
// at it. The previous image is deleted only after the new reference is stored.
func (m *Manager) ReplaceReceiptImage(ctx context.Context, data []byte, contentType string) (*models.ReceiptImageRef, error) {
	key := blob.Key(m.ownerID, contentType)
	url, err := m.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload receipt image: %w", err)
	}
	ref := &models.ReceiptImageRef{URL: url, StorageKey: key}

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	var previous *models.ReceiptImageRef
	if m.current != nil && m.current.ReceiptImage != nil {
		p := *m.current.ReceiptImage
		previous = &p
	}
	err = m.saveLocked(Patch{ReceiptImage: ref})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.flushLocked(ctx); err != nil {
		// The new reference stays pending; the old image is still referenced by the store.
		return nil, err
	}

	if previous != nil && previous.StorageKey != ref.StorageKey {
		if err := m.blobs.Delete(ctx, previous.StorageKey); err != nil {
			m.log.Warn("Failed to delete replaced receipt image", "key", previous.StorageKey, "error", err)
		}
	}
	return ref, nil
}

// ListSaved returns the owner's saved sessions, most recently saved first.
func (m *Manager) ListSaved(ctx context.Context) ([]*models.Session, error) {
	sessions, err := m.store.ListSavedSessions(ctx, m.ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved sessions: %w", err)
	}
	return sessions, nil
}

// Close flushes pending edits and stops the debounce timer. Later saves fail.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Flush(ctx)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.debouncer.Stop()
	return err
}
