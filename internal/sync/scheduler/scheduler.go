// Package scheduler triggers sync cycles in the background: on a fixed
// interval while the application runs, and immediately when the network
// monitor reports a transition back online.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/network"
	"github.com/planbookhq/backend/internal/sync"
)

// Syncer is the slice of the engine the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) (*sync.Result, error)
}

// Scheduler owns the background goroutines that invoke Sync.
type Scheduler struct {
	engine   Syncer
	monitor  network.Monitor
	interval time.Duration

	mu      stdsync.Mutex
	stop    context.CancelFunc
	wg      stdsync.WaitGroup
	running bool
}

// New creates a scheduler. interval defaults to one minute when zero.
func New(engine Syncer, monitor network.Monitor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:   engine,
		monitor:  monitor,
		interval: interval,
	}
}

// Start launches the interval loop and the network transition loop. Calling
// Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.stop = context.WithCancel(ctx)
	s.running = true

	// Subscribe before launching the loop so transitions occurring as soon
	// as Start returns are not missed.
	transitions := s.monitor.Subscribe()
	s.wg.Add(2)
	go s.intervalLoop(ctx)
	go s.transitionLoop(ctx, transitions)
	logging.Info("sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stop()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("sync scheduler stopped")
}

func (s *Scheduler) intervalLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, "interval")
		}
	}
}

func (s *Scheduler) transitionLoop(ctx context.Context, transitions <-chan bool) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if online {
				s.runCycle(ctx, "network online")
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) {
	if _, err := s.engine.Sync(ctx); err != nil && ctx.Err() == nil {
		logging.Error("scheduled sync failed", err, map[string]interface{}{
			"trigger": trigger,
		})
	}
}
