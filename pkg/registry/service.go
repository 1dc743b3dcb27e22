// Package registry implements the rank registry: a single in-memory member
// table and Lamport clock owned by one goroutine, which serializes request
// handling and expiry sweeps.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrreg/internal/telemetry"
	"github.com/ryandielhenn/zephyrreg/pkg/clock"
)

const DefaultMemberTimeout = 30 * time.Second

// ErrStopped is returned to callers once the service loop has exited.
var ErrStopped = errors.New("registry: service stopped")

// Service owns the registry state. All state is touched only by the
// goroutine running Run; Call, Handle, Sweep and Stats hand work to it and
// wait for the result.
type Service struct {
	logger  *zap.Logger
	clk     clockwork.Clock
	timeout time.Duration

	table   *Table
	lamport *clock.Lamport

	jobs    chan func()
	stopped chan struct{}
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces the wall clock used for liveness and response timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clk = c }
}

// WithMemberTimeout sets how long a member may stay silent before a sweep
// evicts it.
func WithMemberTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func New(opts ...Option) *Service {
	s := &Service{
		logger:  zap.NewNop(),
		clk:     clockwork.NewRealClock(),
		timeout: DefaultMemberTimeout,
		table:   NewTable(),
		lamport: clock.NewLamport(0),
		jobs:    make(chan func()),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run processes jobs until ctx is done. A job that was accepted before
// cancellation always runs to completion.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.logger.Info("registry started", zap.Duration("member_timeout", s.timeout))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("registry stopped", zap.Int("members", s.table.Len()), zap.Int64("clock", s.lamport.Value()))
			return nil
		case job := <-s.jobs:
			s.runJob(job)
		}
	}
}

// runJob keeps the loop alive when a job panics. submit closes the job's done
// channel in a defer, so the waiting caller is released either way.
func (s *Service) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("registry job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	job()
	telemetry.LamportClock.Set(float64(s.lamport.Value()))
	telemetry.Members.Set(float64(s.table.Len()))
}

// Done is closed when Run returns.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

func (s *Service) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// Handle answers one encoded request envelope with one encoded response
// envelope. Registry-level failures are reported inside the envelope; an
// error is returned only when the service is not running.
func (s *Service) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	var out []byte
	if err := s.submit(ctx, func() { out = s.handleRaw(payload) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Members  int   `json:"members"`
	NextRank int64 `json:"next_rank"`
	Clock    int64 `json:"clock"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.submit(ctx, func() {
		st = Stats{Members: s.table.Len(), NextRank: s.table.NextRank(), Clock: s.lamport.Value()}
	})
	return st, err
}

// Sweep runs one expiry pass and returns the names it evicted.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	var (
		removed []string
		jobErr  error
	)
	err := s.submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				jobErr = fmt.Errorf("sweep panicked: %v", r)
			}
		}()
		removed = s.expire()
	})
	if err != nil {
		return nil, err
	}
	return removed, jobErr
}

func (s *Service) expire() []string {
	now := s.clk.Now()
	removed := s.table.ExpireStale(s.timeout, now)
	for _, name := range removed {
		s.logger.Info("evicted stale member", zap.String("name", name), zap.Duration("timeout", s.timeout))
	}
	telemetry.Evictions.Add(float64(len(removed)))
	return removed
}
