// Package service runs the copy pipeline: trade monitors feed the handoff
// channel, the executor drains it, and the balance tracker plus ancillary
// tasks run alongside. Stop tears these down in a fixed order so no signal
// is lost between the monitor and the executor.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/executor"
	"github.com/alanyoungcy/polymirror/internal/handoff"
	"github.com/alanyoungcy/polymirror/internal/monitor"
)

// Monitor is the producer side of the pipeline.
type Monitor interface {
	Init(ctx context.Context) error
	Run(ctx context.Context) error
	States() []monitor.AddressStatus
}

// Executor is the single consumer.
type Executor interface {
	Run(ctx context.Context) error
	Stats() executor.Stats
}

// Balances is the balance tracker.
type Balances interface {
	Prime(ctx context.Context) error
	Run(ctx context.Context) error
	Snapshot() domain.BalanceSnapshot
	Failures() int64
}

// Task is an ancillary goroutine stopped after the executor: live nudges,
// archiving, notifications, the status server.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds lifecycle parameters.
type Config struct {
	Mode       string
	DrainGrace time.Duration
	// LockKey and LockTTL configure the single-instance lease. An empty key
	// disables it.
	LockKey string
	LockTTL time.Duration
}

// Components are the constructed pipeline parts. Locks may be nil.
type Components struct {
	Channel  *handoff.Channel
	Monitor  Monitor
	Executor Executor
	Balances Balances
	Locks    domain.LockManager
	Tasks    []Task
}

// Service owns the pipeline lifecycle.
type Service struct {
	c      Components
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	started    bool
	stopped    bool
	startedAt  time.Time
	lease      domain.Lease
	cancelMon  context.CancelFunc
	cancelExec context.CancelFunc
	cancelAux  context.CancelFunc
	monDone    chan struct{}
	execDone   chan struct{}
	done       chan struct{}
	group      *errgroup.Group
	err        error
}

// New creates a Service.
func New(c Components, cfg Config, logger *slog.Logger) *Service {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Service{
		c:      c,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "service")),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// AddTask registers an ancillary task. Tasks added after Start are ignored.
func (s *Service) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.c.Tasks = append(s.c.Tasks, t)
	}
}

// Start takes the lease, primes the balance, loads cursors and launches the
// pipeline. It returns once everything is running; any error is fatal.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service: already started")
	}

	if s.c.Locks != nil && s.cfg.LockKey != "" {
		lease, err := s.c.Locks.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("service: lease %s: %w: %w", s.cfg.LockKey, domain.ErrConfigurationFatal, err)
		}
		s.lease = lease
	}

	if err := s.c.Balances.Prime(ctx); err != nil {
		s.releaseLease()
		return fmt.Errorf("service: start: %w", err)
	}
	if err := s.c.Monitor.Init(ctx); err != nil {
		s.releaseLease()
		return fmt.Errorf("service: start: %w: %w", domain.ErrConfigurationFatal, err)
	}

	// The pipeline outlives the start context.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	monCtx, cancelMon := context.WithCancel(gctx)
	execCtx, cancelExec := context.WithCancel(gctx)
	auxCtx, cancelAux := context.WithCancel(gctx)
	s.group = g
	s.cancelMon, s.cancelExec, s.cancelAux = cancelMon, cancelExec, cancelAux
	s.monDone = make(chan struct{})
	s.execDone = make(chan struct{})

	g.Go(func() error {
		defer close(s.monDone)
		// Every producer has returned once Run does.
		defer s.c.Channel.Close()
		return s.c.Monitor.Run(monCtx)
	})
	g.Go(func() error {
		defer close(s.execDone)
		return s.c.Executor.Run(execCtx)
	})
	g.Go(func() error { return s.c.Balances.Run(auxCtx) })
	if s.lease != nil {
		g.Go(func() error { return s.renewLease(auxCtx) })
	}
	for _, t := range s.c.Tasks {
		g.Go(func() error {
			if err := t.Run(auxCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("service: %s: %w", t.Name, err)
			}
			return nil
		})
	}
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()

	s.started = true
	s.startedAt = s.now().UTC()
	s.logger.InfoContext(ctx, "service started",
		slog.String("mode", s.cfg.Mode),
		slog.Int("addresses", len(s.c.Monitor.States())),
		slog.Int("channel_capacity", s.c.Channel.Cap()),
	)
	return nil
}

// Stop shuts down in order: monitors first, then the executor drains the
// channel for at most DrainGrace, then the balance tracker and ancillary
// tasks. Items the executor did not reach keep their cursors uncommitted and
// are re-read on the next start. ctx bounds the whole shutdown.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("service: not started")
	}
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return s.Err()
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stopping monitors")
	s.cancelMon()
	select {
	case <-s.monDone:
	case <-ctx.Done():
	}

	drain := time.NewTimer(s.cfg.DrainGrace)
	defer drain.Stop()
	select {
	case <-s.execDone:
		s.logger.InfoContext(ctx, "executor drained")
	case <-drain.C:
		s.logger.WarnContext(ctx, "drain grace expired", slog.Int("pending", s.c.Channel.Len()))
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "shutdown deadline reached while draining", slog.Int("pending", s.c.Channel.Len()))
	}
	s.cancelExec()
	<-s.execDone

	s.cancelAux()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.releaseLease()
		return fmt.Errorf("service: stop: %w", ctx.Err())
	}
	s.releaseLease()

	stats := s.c.Executor.Stats()
	s.logger.InfoContext(ctx, "service stopped",
		slog.Int64("processed", stats.Processed),
		slog.Int("pending", stats.PendingSignals),
	)
	return s.Err()
}

// Done is closed once every pipeline goroutine has returned, either after
// Stop or because one of them failed.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err returns the first goroutine error once Done is closed.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// renewLease refreshes the lease at a third of its TTL. Losing it stops the
// pipeline: another process now owns the operator wallet.
func (s *Service) renewLease(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := s.lease.Refresh(ctx, s.cfg.LockTTL)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLockHeld):
			s.logger.ErrorContext(ctx, "instance lease lost", slog.String("key", s.cfg.LockKey))
			return fmt.Errorf("service: lease %s: %w: %w", s.cfg.LockKey, domain.ErrConfigurationFatal, err)
		case ctx.Err() == nil:
			s.logger.WarnContext(ctx, "lease refresh failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) releaseLease() {
	if s.lease != nil {
		s.lease.Release()
	}
}
