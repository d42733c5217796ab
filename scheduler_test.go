package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSyncer struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
	err     error
}

func (s *blockingSyncer) Sync(ctx context.Context) (*Snapshot, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Snapshot{}, s.err
}

// A spec that never fires during a test run.
const idleSpec = "0 0 0 1 1 *"

func TestSyncSchedulerRejectsBadSpec(t *testing.T) {
	s := NewSyncScheduler(&blockingSyncer{}, "not a cron spec", testLogger{t})
	assert.Error(t, s.Start(context.Background()))
}

func TestSyncSchedulerSkipsOverlappingRuns(t *testing.T) {
	syncer := &blockingSyncer{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewSyncScheduler(syncer, idleSpec, testLogger{t})
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunNow()
	}()
	<-syncer.started

	s.RunNow()
	assert.Equal(t, int32(1), syncer.calls.Load())

	close(syncer.release)
	wg.Wait()

	syncer.started = nil
	s.RunNow()
	assert.Equal(t, int32(2), syncer.calls.Load())
	s.Stop()
}

func TestSyncSchedulerReportsFatalError(t *testing.T) {
	syncer := &blockingSyncer{err: NewFatalError(ErrNoStoredCredential)}
	s := NewSyncScheduler(syncer, idleSpec, testLogger{t})
	require.NoError(t, s.Start(context.Background()))

	s.RunNow()
	select {
	case err := <-s.Fatal():
		assert.ErrorIs(t, err, ErrNoStoredCredential)
	case <-time.After(time.Second):
		t.Fatal("fatal error not reported")
	}

	s.RunNow()
	assert.Equal(t, int32(1), syncer.calls.Load())
	s.Stop()
}

func TestSyncSchedulerKeepsRunningAfterTransientError(t *testing.T) {
	syncer := &blockingSyncer{err: errors.New("timeout")}
	s := NewSyncScheduler(syncer, idleSpec, testLogger{t})
	require.NoError(t, s.Start(context.Background()))

	s.RunNow()
	s.RunNow()
	assert.Equal(t, int32(2), syncer.calls.Load())
	s.Stop()
}

func TestSyncSchedulerCronFires(t *testing.T) {
	syncer := &blockingSyncer{started: make(chan struct{}, 8)}
	s := NewSyncScheduler(syncer, "* * * * * *", testLogger{t})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-syncer.started:
	case <-time.After(3 * time.Second):
		t.Fatal("cron did not fire")
	}
}
