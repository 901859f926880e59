// Package sweeper periodically archives idle private sessions and ends
// abandoned collaborative sessions.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mmynk/tabsplit/internal/metrics"
	"github.com/mmynk/tabsplit/internal/storage"
)

// Store is what the sweeper reads and writes.
type Store interface {
	storage.SessionStore
	storage.CollabStore
}

// ArchiveFunc archives an owner's active session if it has been idle since
// cutoff and reports whether it did. Servers route it through a live session
// manager when one exists, since only the manager knows about unsaved edits
// and background time.
type ArchiveFunc func(ctx context.Context, ownerID string, cutoff time.Time) (bool, error)

// EvictFunc releases in-memory state unused since cutoff.
type EvictFunc func(ctx context.Context, cutoff time.Time)

// Config configures a Sweeper.
type Config struct {
	// IdleTimeout archives active private sessions not updated for this long.
	IdleTimeout time.Duration

	// CollabRetention ends collaborative sessions without activity for this long.
	// Zero disables ending.
	CollabRetention time.Duration

	// Archive overrides the default store archive.
	Archive ArchiveFunc

	// Evict, when set, runs after every sweep with now minus EvictAfter.
	Evict      EvictFunc
	EvictAfter time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// Sweeper runs sweeps on a cron schedule.
type Sweeper struct {
	store Store
	cfg   Config
	cron  *cron.Cron
}

// cronParser accepts standard 5-field expressions, an optional seconds field and descriptors like @every 1m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Sweeper.
func New(store Store, cfg Config) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Archive == nil {
		cfg.Archive = func(ctx context.Context, ownerID string, cutoff time.Time) (bool, error) {
			_, err := store.ArchiveIdleSession(ctx, ownerID, cutoff)
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		}
	}
	return &Sweeper{store: store, cfg: cfg, cron: cron.New(cron.WithParser(cronParser))}
}

// Start registers the sweep on schedule and starts the cron ticker.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.cfg.Logger.Error("Sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.cfg.Logger.Info("Scheduled session sweeper", "schedule", schedule, "idle_timeout", s.cfg.IdleTimeout)
	return nil
}

// Stop stops the ticker and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Result counts what a sweep changed.
type Result struct {
	Archived int
	Ended    int
}

// Sweep archives idle private sessions and ends idle collaborative sessions once.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.cfg.Clock()

	if s.cfg.IdleTimeout > 0 {
		cutoff := now.Add(-s.cfg.IdleTimeout)
		idle, err := s.store.ListIdleActiveSessions(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("failed to list idle sessions: %w", err)
		}
		for _, session := range idle {
			archived, err := s.cfg.Archive(ctx, session.OwnerID, cutoff)
			if err != nil {
				s.cfg.Logger.Error("Failed to archive idle session", "owner_id", session.OwnerID, "session_id", session.ID, "error", err)
				continue
			}
			if !archived {
				s.cfg.Logger.Debug("Skipped session with recent activity", "owner_id", session.OwnerID, "session_id", session.ID)
				continue
			}
			res.Archived++
			metrics.SessionTransitions.WithLabelValues("idle_archive").Inc()
		}
	}

	if s.cfg.CollabRetention > 0 {
		idle, err := s.store.ListIdleCollabSessions(ctx, now.Add(-s.cfg.CollabRetention))
		if err != nil {
			return res, fmt.Errorf("failed to list idle collaborative sessions: %w", err)
		}
		for _, cs := range idle {
			if _, err := s.store.EndCollabSession(ctx, cs.ID, now); err != nil {
				s.cfg.Logger.Error("Failed to end idle collaborative session", "session_id", cs.ID, "error", err)
				continue
			}
			res.Ended++
			metrics.SessionTransitions.WithLabelValues("end").Inc()
		}
	}

	if s.cfg.Evict != nil && s.cfg.EvictAfter > 0 {
		s.cfg.Evict(ctx, now.Add(-s.cfg.EvictAfter))
	}

	if res.Archived > 0 || res.Ended > 0 {
		s.cfg.Logger.Info("Swept idle sessions", "archived", res.Archived, "ended", res.Ended)
	}
	return res, nil
}
