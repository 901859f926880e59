package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
	"github.com/mmynk/tabsplit/internal/storage/blob"
	"github.com/mmynk/tabsplit/internal/storage/sqlite"
)

func newStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOptions() Options {
	return Options{Debounce: 10 * time.Millisecond, RetryAttempts: 1, RetryInterval: time.Millisecond}
}

// flakyStore fails the next n upserts.
type flakyStore struct {
	storage.SessionStore
	failures atomic.Int32
}

var errUnavailable = errors.New("store unavailable")

func (f *flakyStore) UpsertActiveSession(ctx context.Context, ownerID string, fn storage.SessionMutation) (*models.Session, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errUnavailable
	}
	return f.SessionStore.UpsertActiveSession(ctx, ownerID, fn)
}

func tip(s string) Patch {
	return Patch{EditUpdate: storage.EditUpdate{CustomTip: &s}}
}

func TestSaveIsDebouncedIntoOneActiveSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store, blob.NewMemoryStore(), "alice", testOptions())
	defer m.Close(ctx)

	for _, v := range []string{"1", "12", "12.5"} {
		require.NoError(t, m.Save(tip(v)))
	}
	require.Equal(t, "12.5", m.State().CustomTip)

	require.Eventually(t, func() bool {
		s, err := store.GetActiveSession(ctx, "alice")
		return err == nil && s.CustomTip == "12.5"
	}, time.Second, 5*time.Millisecond)

	saved, err := m.ListSaved(ctx)
	require.NoError(t, err)
	require.Empty(t, saved)
	require.NotEmpty(t, m.State().ID)
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store, blob.NewMemoryStore(), "alice", testOptions())
	defer m.Close(ctx)

	s, err := m.Edit(func(e *billedit.Editor) error {
		item, err := e.AddItem("Pizza", "20")
		if err != nil {
			return err
		}
		p, err := e.AddPerson("Alice", "")
		if err != nil {
			return err
		}
		return e.SetAssignment(item.ID, p.ID, true)
	})
	require.NoError(t, err)
	require.Len(t, s.Bill.Items, 1)

	t.Run("failed edit leaves state untouched", func(t *testing.T) {
		_, err := m.Edit(func(e *billedit.Editor) error {
			if _, err := e.AddItem("Beer", "8"); err != nil {
				return err
			}
			_, err := e.AddItem("", "3")
			return err
		})
		require.True(t, billedit.IsKind(err, billedit.InvalidName))
		require.Len(t, m.State().Bill.Items, 1)
	})

	require.NoError(t, m.Flush(ctx))
	stored, err := store.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, stored.Bill.Items, 1)
	require.True(t, stored.Bill.Total.Equal(models.MustMoney("20")))
	require.Len(t, stored.People, 1)
}

func TestConcurrentManagersKeepOneActiveSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	managers := make([]*Manager, 4)
	for i := range managers {
		managers[i] = NewManager(store, blob.NewMemoryStore(), "alice", testOptions())
		require.NoError(t, managers[i].Save(tip("5")))
	}

	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			assert.NoError(t, m.Flush(ctx))
		}(m)
	}
	wg.Wait()

	active, err := store.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	for _, m := range managers {
		require.Equal(t, active.ID, m.State().ID)
		require.NoError(t, m.Close(ctx))
	}
	saved, err := store.ListSavedSessions(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, saved)
}

func TestArchiveAndStartNew(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store, blob.NewMemoryStore(), "alice", testOptions())
	defer m.Close(ctx)

	require.NoError(t, m.Save(tip("3")))
	archived, err := m.ArchiveAndStartNew(ctx)
	require.NoError(t, err)
	require.NotNil(t, archived)
	require.Equal(t, "3", archived.CustomTip, "pending edits are flushed before archiving")
	require.NotNil(t, archived.SavedAt)
	require.Nil(t, m.State())

	require.NoError(t, m.Save(tip("4")))
	require.NoError(t, m.Flush(ctx))
	require.NotEqual(t, archived.ID, m.State().ID)

	saved, err := m.ListSaved(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	t.Run("nothing active", func(t *testing.T) {
		other := NewManager(store, blob.NewMemoryStore(), "bob", testOptions())
		defer other.Close(ctx)
		archived, err := other.ArchiveAndStartNew(ctx)
		require.NoError(t, err)
		require.Nil(t, archived)
	})
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store, blob.NewMemoryStore(), "alice", testOptions())
	defer m.Close(ctx)

	require.NoError(t, m.Save(tip("s2")))
	s2, err := m.ArchiveAndStartNew(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Save(tip("s1")))
	require.NoError(t, m.Flush(ctx))
	s1 := m.State()

	// A pending edit to S1 must land before S1 is archived.
	require.NoError(t, m.Save(tip("s1-edited")))
	resumed, err := m.Resume(ctx, s2.ID)
	require.NoError(t, err)
	require.Equal(t, s2.ID, resumed.ID)
	require.Equal(t, "s2", m.State().CustomTip)

	active, err := store.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, s2.ID, active.ID)

	prev, err := store.GetSession(ctx, "alice", s1.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionSaved, prev.Status)
	require.NotNil(t, prev.SavedAt)
	require.Equal(t, "s1-edited", prev.CustomTip)

	_, err = m.Resume(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	active, err = store.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, s2.ID, active.ID, "failed resume leaves the active session alone")
}

func TestEnterForegroundArchivesAfterIdleTimeout(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	opts := testOptions()
	opts.Clock = clock
	m := NewManager(store, blob.NewMemoryStore(), "alice", opts)
	defer m.Close(ctx)

	tests := []struct {
		name    string
		away    time.Duration
		archive bool
	}{
		{"short absence keeps the session", 5 * time.Minute, false},
		{"long absence archives", 21 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, m.Save(tip(tt.name)))
			require.NoError(t, m.EnterBackground(ctx))

			stored, err := store.GetActiveSession(ctx, "alice")
			require.NoError(t, err)
			require.Equal(t, tt.name, stored.CustomTip, "backgrounding flushes")

			advance(tt.away)
			archived, err := m.EnterForeground(ctx)
			require.NoError(t, err)
			require.Equal(t, tt.archive, archived)
			require.Equal(t, tt.archive, m.State() == nil)
		})
	}
}

func TestArchiveIfIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-DefaultIdleTimeout)

	var mu sync.Mutex
	storeNow, managerNow := now, now
	at := func(v *time.Time) func() time.Time {
		return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return *v
		}
	}
	set := func(v *time.Time, to time.Time) {
		mu.Lock()
		*v = to
		mu.Unlock()
	}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "idle.db"), sqlite.WithClock(at(&storeNow)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts := testOptions()
	opts.Debounce = time.Hour
	opts.Clock = at(&managerNow)

	addItem := func(m *Manager, name string) {
		t.Helper()
		_, err := m.Edit(func(e *billedit.Editor) error {
			_, err := e.AddItem(name, "4")
			return err
		})
		require.NoError(t, err)
	}

	t.Run("fresh edit on an old session is kept", func(t *testing.T) {
		m := NewManager(store, blob.NewMemoryStore(), "alice", opts)
		defer m.Close(ctx)

		set(&storeNow, now.Add(-time.Hour))
		addItem(m, "Soup")
		require.NoError(t, m.Flush(ctx))
		addItem(m, "Salad")

		archived, err := m.ArchiveIfIdle(ctx, cutoff)
		require.NoError(t, err)
		require.Nil(t, archived)
		require.NotNil(t, m.State())
		require.Len(t, m.State().Bill.Items, 2)

		saved, err := store.ListSavedSessions(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, saved)

		t.Run("archived once the edit is old", func(t *testing.T) {
			require.NoError(t, m.Flush(ctx))
			archived, err := m.ArchiveIfIdle(ctx, cutoff)
			require.NoError(t, err)
			require.NotNil(t, archived)
			require.Len(t, archived.Bill.Items, 2)
			require.Nil(t, m.State())
		})
	})

	tests := []struct {
		name    string
		away    time.Duration
		archive bool
	}{
		{"recently backgrounded keeps the session", 5 * time.Minute, false},
		{"backgrounded past the timeout archives", 30 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(store, blob.NewMemoryStore(), "bob", opts)
			defer m.Close(ctx)
			_, _ = m.ArchiveAndStartNew(ctx)

			set(&storeNow, now)
			set(&managerNow, now.Add(-tt.away))
			addItem(m, "Tea")
			require.NoError(t, m.EnterBackground(ctx))
			set(&managerNow, now)

			archived, err := m.ArchiveIfIdle(ctx, cutoff)
			require.NoError(t, err)
			assert.Equal(t, tt.archive, archived != nil)
			assert.Equal(t, tt.archive, m.State() == nil)
		})
	}
}

func TestDeleteIgnoresBlobFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	blobs := blob.NewMemoryStore()
	m := NewManager(store, blobs, "alice", testOptions())
	defer m.Close(ctx)

	ref, err := m.ReplaceReceiptImage(ctx, []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	id := m.State().ID

	blobs.FailDelete = blob.ErrInjected
	require.NoError(t, m.Delete(ctx, id))
	require.Nil(t, m.State())

	_, err = store.GetSession(ctx, "alice", id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The orphaned blob is acceptable.
	_, err = blobs.Get(ref.StorageKey)
	require.NoError(t, err)

	err = m.Delete(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReplaceReceiptImage(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	store := &flakyStore{SessionStore: base}
	blobs := blob.NewMemoryStore()
	opts := testOptions()
	opts.Debounce = time.Hour
	m := NewManager(store, blobs, "alice", opts)
	defer m.Close(ctx)

	first, err := m.ReplaceReceiptImage(ctx, []byte("one"), "image/png")
	require.NoError(t, err)

	second, err := m.ReplaceReceiptImage(ctx, []byte("two"), "image/png")
	require.NoError(t, err)
	_, err = blobs.Get(first.StorageKey)
	require.ErrorIs(t, err, blob.ErrNotFound, "old image is deleted after the new reference is saved")

	stored, err := base.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, second.StorageKey, stored.ReceiptImage.StorageKey)

	t.Run("failed save keeps the referenced image", func(t *testing.T) {
		store.failures.Store(10)
		defer store.failures.Store(0)

		_, err := m.ReplaceReceiptImage(ctx, []byte("three"), "image/png")
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)

		_, err = blobs.Get(second.StorageKey)
		require.NoError(t, err, "still-referenced image must survive")
		stored, err := base.GetActiveSession(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, second.StorageKey, stored.ReceiptImage.StorageKey)
	})

	t.Run("upload failure changes nothing", func(t *testing.T) {
		blobs.FailPut = blob.ErrInjected
		defer func() { blobs.FailPut = nil }()
		before := m.State().ReceiptImage
		_, err := m.ReplaceReceiptImage(ctx, []byte("four"), "image/png")
		require.ErrorIs(t, err, blob.ErrInjected)
		require.Equal(t, before, m.State().ReceiptImage)
	})
}

func TestFlushFailuresAreReportedAndRetried(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	store := &flakyStore{SessionStore: base}
	opts := testOptions()
	opts.WarnAfter = 2
	opts.Debounce = time.Hour
	m := NewManager(store, blob.NewMemoryStore(), "alice", opts)
	defer m.Close(ctx)

	// Every flush makes RetryAttempts+1 calls.
	store.failures.Store(4)
	require.NoError(t, m.Save(tip("7")))
	for i := 1; i <= 2; i++ {
		err := m.Flush(ctx)
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, i, perr.Consecutive)
		require.ErrorIs(t, err, errUnavailable)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-m.Errors():
			require.ErrorIs(t, err, errUnavailable)
		case <-time.After(time.Second):
			t.Fatal("expected asynchronous error report")
		}
	}

	require.NoError(t, m.Save(tip("8")))
	require.NoError(t, m.Flush(ctx))
	stored, err := base.GetActiveSession(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "8", stored.CustomTip)
}
