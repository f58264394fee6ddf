// Package scheduler provides background sync scheduling: periodic
// sessions while online, queue maintenance regardless, and an immediate
// trigger for user-initiated sync.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/models"
)

// Syncer is the engine surface the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) error
	GoOffline()
	PendingCount() (int, error)
}

// Maintainer is the queue surface for offline housekeeping.
// *queue.Queue satisfies it.
type Maintainer interface {
	PurgeExhausted() ([]models.UUID, error)
	Stats() (map[string]int, error)
}

// Config holds scheduler configuration.
type Config struct {
	// SyncInterval is how often a session is attempted while online.
	SyncInterval time.Duration
	// MaintenanceInterval is how often the queue is inspected for
	// exhausted operations, online or not.
	MaintenanceInterval time.Duration
	// SyncTimeout bounds each scheduled session.
	SyncTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:        15 * time.Minute,
		MaintenanceInterval: time.Minute,
		SyncTimeout:         5 * time.Minute,
	}
}

// Scheduler runs the engine in the background. One sync runs at a time;
// the engine itself coalesces overlapping requests, the scheduler just
// avoids piling up goroutines.
type Scheduler struct {
	syncer     Syncer
	maintainer Maintainer
	config     *Config
	logger     zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	syncInProgress bool
	lastSyncTime   time.Time
	lastSyncErr    error
}

// New creates a Scheduler.
func New(syncer Syncer, maintainer Maintainer, config *Config, logger zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		syncer:     syncer,
		maintainer: maintainer,
		config:     config,
		logger:     logger,
		stopCh:     make(chan struct{}),
		isOnline:   true,
	}
}

// Start launches the background loops. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop(ctx)
	go s.maintenanceLoop(ctx)

	s.logger.Info().
		Dur("sync_interval", s.config.SyncInterval).
		Msg("background sync scheduler started")
}

// Stop shuts the scheduler down and waits for its loops to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("background sync scheduler stopped")
}

// SetOnlineStatus signals connectivity changes. Going offline drains any
// running session immediately; coming online triggers a sync right away
// rather than waiting for the next tick.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	s.logger.Info().Bool("online", isOnline).Msg("connectivity changed")

	if !isOnline {
		s.syncer.GoOffline()
		return
	}
	s.TriggerSync(ctx)
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// TriggerSync starts a sync in the background. Returns false when one
// is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.syncInProgress
	s.mu.RUnlock()
	if busy {
		return false
	}

	go s.runSync(ctx)
	return true
}

// SyncNow runs a sync and waits for it to complete.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	return s.runSync(ctx)
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			pending, err := s.syncer.PendingCount()
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to read pending count")
				continue
			}
			if pending == 0 {
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

// maintenanceLoop surfaces exhausted operations even while offline, so
// records do not silently sit past their retry budget until the next
// session.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			purged, err := s.maintainer.PurgeExhausted()
			if err != nil {
				s.logger.Error().Err(err).Msg("queue maintenance failed")
				continue
			}
			if len(purged) > 0 {
				s.logger.Warn().Int("count", len(purged)).Msg("operations exceeded retry budget")
			}
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) error {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return nil
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	err := s.syncer.Sync(syncCtx)

	s.mu.Lock()
	s.lastSyncErr = err
	if err == nil {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled sync failed")
		return err
	}
	s.logger.Debug().Msg("scheduled sync completed")
	return nil
}

// Status is a point-in-time snapshot for observability.
type Status struct {
	IsRunning      bool
	IsOnline       bool
	SyncInProgress bool
	LastSyncTime   *time.Time
	LastSyncError  error
	QueueStats     map[string]int
}

// GetStatus returns the scheduler's current status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastSyncError:  s.lastSyncErr,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if stats, err := s.maintainer.Stats(); err == nil {
		status.QueueStats = stats
	}
	return status
}
