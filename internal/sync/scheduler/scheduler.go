// Package scheduler decides when the sync engine runs: on a periodic
// timer while online, when connectivity is restored, when the app comes
// to the foreground, and on explicit user request. It applies exponential
// backoff after consecutive failures; single-flight coalescing happens in
// the engine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/parloapp/parlo-core/internal/config"
	"github.com/parloapp/parlo-core/internal/logging"
	"github.com/parloapp/parlo-core/internal/network"
	syncpkg "github.com/parloapp/parlo-core/internal/sync"
	"github.com/parloapp/parlo-core/internal/syncq"
)

// Trigger names the event that caused a sync attempt.
type Trigger string

const (
	TriggerTimer        Trigger = "timer"
	TriggerConnectivity Trigger = "connectivity_restored"
	TriggerForeground   Trigger = "foreground"
	TriggerUserRequest  Trigger = "user_request"
)

// Engine is the surface the scheduler drives. The concrete sync engine
// satisfies it; tests substitute counters.
type Engine interface {
	SyncAll(ctx context.Context, force bool) (*syncpkg.Result, error)
}

// Scheduler owns the timing policy around the engine.
type Scheduler struct {
	engine  Engine
	queue   syncq.Queue
	monitor *network.Monitor
	cfg     *config.Config

	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	mu           sync.Mutex
	running      bool
	failures     int
	nextEligible time.Time
	wasOnline    bool
}

// NewScheduler wires a scheduler over its collaborators.
func NewScheduler(e Engine, q syncq.Queue, m *network.Monitor, cfg *config.Config) *Scheduler {
	return &Scheduler{
		engine:  e,
		queue:   q,
		monitor: m,
		cfg:     cfg,
	}
}

// Start subscribes to connectivity changes and launches the periodic
// loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wasOnline = s.monitor.CurrentState().Online
	s.mu.Unlock()

	s.unsubscribe = s.monitor.Subscribe(func(state network.State) {
		s.mu.Lock()
		restored := state.Online && !s.wasOnline
		s.wasOnline = state.Online
		s.mu.Unlock()
		if restored {
			s.OnConnectivityRestored(ctx)
		}
	})

	s.wg.Add(1)
	go s.loop(ctx)
	logging.Info("Sync scheduler started", logging.Fields{
		"interval_minutes": s.cfg.SyncIntervalMinutes,
		"background":       s.cfg.BackgroundSyncEnabled,
	})
}

// Stop halts the periodic loop and detaches from the monitor.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	close(s.stopCh)
	s.wg.Wait()
	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.OnTimerTick(ctx)
		}
	}
}

// OnTimerTick runs the periodic attempt, gated by the background-sync
// setting and the backoff window.
func (s *Scheduler) OnTimerTick(ctx context.Context) {
	if !s.cfg.BackgroundSyncEnabled {
		return
	}
	s.attempt(ctx, TriggerTimer, false, true)
}

// OnConnectivityRestored fires when the device comes back online. It
// bypasses the periodic cadence but still honors backoff, so a flapping
// link does not hammer the backend.
func (s *Scheduler) OnConnectivityRestored(ctx context.Context) {
	s.attempt(ctx, TriggerConnectivity, false, true)
}

// OnForeground fires when the app returns to the foreground.
func (s *Scheduler) OnForeground(ctx context.Context) {
	s.attempt(ctx, TriggerForeground, false, true)
}

// RequestImmediateSync is the user-facing "sync now". It ignores the
// backoff window but still respects the wifi-only policy.
func (s *Scheduler) RequestImmediateSync(ctx context.Context) (*syncpkg.Result, error) {
	return s.attempt(ctx, TriggerUserRequest, false, false)
}

// attempt runs one engine pass, updating the backoff state from the
// outcome and purging settled operations after a clean pass.
func (s *Scheduler) attempt(ctx context.Context, trigger Trigger, force, honorBackoff bool) (*syncpkg.Result, error) {
	if honorBackoff {
		s.mu.Lock()
		eligible := s.nextEligible
		s.mu.Unlock()
		if now := time.Now(); now.Before(eligible) {
			logging.Debug("Sync deferred by backoff", logging.Fields{
				"trigger":  string(trigger),
				"until":    eligible.Format(time.RFC3339),
				"failures": s.failureCount(),
			})
			return &syncpkg.Result{Skipped: true, SkipReason: "backoff"}, nil
		}
	}

	result, err := s.engine.SyncAll(ctx, force)
	if err != nil {
		s.recordFailure(trigger, err)
		return result, err
	}
	if result.Skipped {
		return result, nil
	}

	s.mu.Lock()
	s.failures = 0
	s.nextEligible = time.Time{}
	s.mu.Unlock()

	if purged, perr := s.queue.PurgeCompletedOlderThan(s.cfg.RetentionWindowForCompletedOps); perr == nil && purged > 0 {
		logging.Debug("Purged settled operations", logging.Fields{"count": purged})
	}
	return result, nil
}

func (s *Scheduler) recordFailure(trigger Trigger, err error) {
	s.mu.Lock()
	delay := backoffDelay(s.failures)
	s.failures++
	s.nextEligible = time.Now().Add(delay)
	failures := s.failures
	s.mu.Unlock()

	logging.Warn("Sync attempt failed, backing off", logging.Fields{
		"trigger":       string(trigger),
		"failures":      failures,
		"delay_seconds": int(delay.Seconds()),
		"error":         err.Error(),
	})
}

func (s *Scheduler) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// backoffDelay returns the wait after the given number of consecutive
// failures: 60s doubling per failure, capped at one hour.
func backoffDelay(failures int) time.Duration {
	if failures > 6 {
		failures = 6
	}
	delay := time.Duration(1<<uint(failures)) * time.Minute
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
