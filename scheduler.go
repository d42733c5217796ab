package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type syncRunner interface {
	Sync(ctx context.Context) (*Snapshot, error)
}

// SyncScheduler runs a sync on a cron spec (with seconds). A tick that fires
// while the previous sync is still running is skipped.
type SyncScheduler struct {
	syncer syncRunner
	spec   string
	logger Logger

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	fatal   chan error
	once    sync.Once
}

func NewSyncScheduler(syncer syncRunner, spec string, logger Logger) *SyncScheduler {
	return &SyncScheduler{
		syncer: syncer,
		spec:   spec,
		logger: logger,
		fatal:  make(chan error, 1),
	}
}

// Start registers the job and starts the cron loop.
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		s.cancel()
		return err
	}
	s.cron.Start()
	s.logger.Log("Scheduled sync started (%s)", s.spec)
	return nil
}

// RunNow triggers a sync outside the schedule, honouring the overlap rule.
func (s *SyncScheduler) RunNow() {
	s.tick()
}

// Fatal delivers the first fatal sync error. The scheduler stops itself
// after sending it.
func (s *SyncScheduler) Fatal() <-chan error {
	return s.fatal
}

func (s *SyncScheduler) tick() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Log("Previous sync still running, skipping tick")
		return
	}
	s.wg.Add(1)
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()

	start := time.Now()
	if _, err := s.syncer.Sync(s.ctx); err != nil {
		if IsFatalError(err) {
			s.logger.Log("FATAL ERROR: %v - stopping scheduled sync", err)
			s.once.Do(func() {
				s.fatal <- err
				s.cancel()
			})
			return
		}
		s.logger.Log("Sync failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
	}
}

// Stop halts the cron loop, cancels an in-flight sync and waits for it.
func (s *SyncScheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Log("Scheduled sync stopped")
}
