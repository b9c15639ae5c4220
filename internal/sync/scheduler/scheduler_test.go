// Package scheduler tests for background sync scheduling.
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/relaynotes/internal/config"
	enginepkg "github.com/kimhsiao/relaynotes/internal/sync"
)

// fakeSyncer counts sync and flush invocations.
type fakeSyncer struct {
	mu      sync.Mutex
	syncs   int
	flushes int
	block   chan struct{} // when set, LoadAndSync blocks until closed
}

func (f *fakeSyncer) LoadAndSync(context.Context) (*enginepkg.SyncResult, error) {
	f.mu.Lock()
	f.syncs++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return &enginepkg.SyncResult{FullySynced: true}, nil
}

func (f *fakeSyncer) FlushQueue(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeSyncer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs, f.flushes
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		SyncInterval:  25 * time.Millisecond,
		QueueInterval: 25 * time.Millisecond,
	}
}

// TestScheduler_periodicSyncAndFlush verifies both loops fire while
// online.
func TestScheduler_periodicSyncAndFlush(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer, testSchedulerConfig())

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if syncs, flushes := syncer.counts(); syncs >= 1 && flushes >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	syncs, flushes := syncer.counts()
	t.Errorf("after waiting: syncs = %d flushes = %d, want both >= 1", syncs, flushes)
}

// TestScheduler_offlineSuspendsSync verifies periodic sync stops while
// offline but queue flushing keeps running.
func TestScheduler_offlineSuspendsSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer, testSchedulerConfig())
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)

	syncs, flushes := syncer.counts()
	if syncs != 0 {
		t.Errorf("syncs = %d while offline, want 0", syncs)
	}
	if flushes == 0 {
		t.Error("queue flushing stopped while offline")
	}
}

// TestScheduler_startStopIdempotent verifies repeated Start and Stop
// calls are safe.
func TestScheduler_startStopIdempotent(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, testSchedulerConfig())

	s.Start(context.Background())
	s.Start(context.Background()) // no-op

	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	s.Stop()
	s.Stop() // no-op

	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// TestTriggerSync_skipsWhenInProgress verifies manual triggering
// refuses to overlap a running pass.
func TestTriggerSync_skipsWhenInProgress(t *testing.T) {
	syncer := &fakeSyncer{block: make(chan struct{})}
	s := NewScheduler(syncer, config.SchedulerConfig{
		SyncInterval:  time.Hour,
		QueueInterval: time.Hour,
	})

	if !s.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync() = false with no pass running")
	}

	// wait until the blocked pass is underway
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.GetStatus().SyncInProgress {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() = true while a pass was in progress")
	}

	close(syncer.block)
}

// TestGetStatus_recordsLastSync verifies a completed pass stamps the
// last sync time.
func TestGetStatus_recordsLastSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := NewScheduler(syncer, config.SchedulerConfig{
		SyncInterval:  time.Hour,
		QueueInterval: time.Hour,
	})

	if st := s.GetStatus(); st.LastSyncTime != nil {
		t.Error("LastSyncTime set before any pass")
	}

	s.TriggerSync(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.GetStatus(); st.LastSyncTime != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("LastSyncTime never recorded after a completed pass")
}
