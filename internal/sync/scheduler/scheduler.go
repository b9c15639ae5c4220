// Package scheduler provides background sync scheduling: periodic full
// sync passes while online and periodic queue flushes regardless.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/relaynotes/internal/config"
	"github.com/kimhsiao/relaynotes/internal/errors"
	"github.com/kimhsiao/relaynotes/internal/logging"
	enginepkg "github.com/kimhsiao/relaynotes/internal/sync"
)

// Syncer is the surface the scheduler drives. The notes service
// implements it.
type Syncer interface {
	LoadAndSync(ctx context.Context) (*enginepkg.SyncResult, error)
	FlushQueue(ctx context.Context)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer        Syncer
	syncInterval  time.Duration
	queueInterval time.Duration

	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(syncer Syncer, cfg config.SchedulerConfig) *Scheduler {
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 15 * time.Minute
	}
	queueInterval := cfg.QueueInterval
	if queueInterval <= 0 {
		queueInterval = time.Minute
	}

	return &Scheduler{
		syncer:        syncer,
		syncInterval:  syncInterval,
		queueInterval: queueInterval,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueFlushLoop(ctx)

	logging.Info("Background sync scheduler started", nil)
}

// Stop stops the scheduler gracefully.
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

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status. When offline, periodic
// sync is suspended; queue flushing keeps running so buffered edits
// reach the store.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
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

			s.mu.RLock()
			inProgress := s.syncInProgress
			s.mu.RUnlock()
			if inProgress {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}

			go s.runSync(ctx)
		}
	}
}

// queueFlushLoop flushes the operation queue on a fixed cadence.
func (s *Scheduler) queueFlushLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.syncer.FlushQueue(ctx)
		}
	}
}

// runSync executes one sync pass.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	logging.Info("Starting periodic sync", nil)

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	result, err := s.syncer.LoadAndSync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Periodic sync completed",
		map[string]interface{}{
			"notes":        len(result.Notes),
			"synced":       result.SyncedCount,
			"failed":       result.FailedCount,
			"fully_synced": result.FullySynced,
		})
}

// TriggerSync triggers an immediate sync pass. Returns false if one is
// already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	inProgress := s.syncInProgress
	s.mu.RUnlock()

	if inProgress {
		return false
	}

	go s.runSync(ctx)
	return true
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
}

// GetStatus returns a scheduler status snapshot.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
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
