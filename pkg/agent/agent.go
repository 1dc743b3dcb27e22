// Package agent is the member side of the registry protocol. An Agent
// obtains a rank for its process, keeps it alive with periodic heartbeats
// and tracks the live member list, from which it derives the coordinator
// (the live member with the lowest rank).
package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrreg/pkg/clock"
	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
)

const DefaultInterval = 10 * time.Second

// Caller performs one request/response exchange with the registry.
// *transport.Client and *registry.Service both satisfy it.
type Caller interface {
	Call(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// RemoteError is an error status returned by the registry.
type RemoteError struct {
	Service     string
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("registry %s: %s", e.Service, e.Description)
}

// View is what the agent currently knows about the cluster.
type View struct {
	Rank        int64
	Members     []protocol.Entry
	Coordinator string
}

type Agent struct {
	name       string
	caller     Caller
	clk        clockwork.Clock
	interval   time.Duration
	logger     *zap.Logger
	lamport    *clock.Lamport
	newBackOff func() backoff.BackOff
	onChange   func(View)

	mu   sync.RWMutex
	view View
}

type Option func(*Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *Agent) { a.clk = c }
}

// WithInterval sets the heartbeat period. Keep it well below the registry
// member timeout.
func WithInterval(d time.Duration) Option {
	return func(a *Agent) { a.interval = d }
}

// WithBackOff sets the retry policy used while obtaining a rank.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(a *Agent) { a.newBackOff = f }
}

// OnChange registers a callback invoked after a refresh changed the member
// list or the agent's own rank.
func OnChange(fn func(View)) Option {
	return func(a *Agent) { a.onChange = fn }
}

func New(name string, caller Caller, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, errors.New("agent: name must not be empty")
	}
	a := &Agent{
		name:     name,
		caller:   caller,
		clk:      clockwork.NewRealClock(),
		interval: DefaultInterval,
		logger:   zap.NewNop(),
		lamport:  clock.NewLamport(0),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With(zap.String("member", name))
	return a, nil
}

func (a *Agent) Name() string { return a.name }

// Clock returns the agent's current logical clock value.
func (a *Agent) Clock() int64 { return a.lamport.Value() }

func (a *Agent) Rank() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.view.Rank
}

func (a *Agent) Members() []protocol.Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.view.Members)
}

func (a *Agent) Coordinator() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.view.Coordinator
}

func (a *Agent) IsCoordinator() bool {
	return a.Coordinator() == a.name
}

// call stamps the request with a fresh tick and merges the clock of the
// answer, error answers included.
func (a *Agent) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	resp, err := a.caller.Call(ctx, req.WithClock(a.lamport.Tick()))
	if err != nil {
		return protocol.Response{}, err
	}
	a.lamport.Merge(resp.Data.Clock)
	if resp.Data.IsError() {
		return resp, &RemoteError{Service: resp.Service, Description: resp.Data.Description}
	}
	return resp, nil
}

// Register obtains the agent's rank. Transport failures are retried until
// ctx is done; an error answer from the registry is returned immediately.
func (a *Agent) Register(ctx context.Context) (int64, error) {
	var rank int64
	op := func() error {
		resp, err := a.call(ctx, protocol.Request{Service: protocol.NameRank, Data: protocol.RequestData{
			User:      a.name,
			Timestamp: a.clk.Now().UnixMilli(),
		}})
		var remote *RemoteError
		if errors.As(err, &remote) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		rank = resp.Data.Rank
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("rank request failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(a.newBackOff(), ctx), notify); err != nil {
		return 0, fmt.Errorf("register %q: %w", a.name, err)
	}

	a.mu.Lock()
	changed := a.view.Rank != rank
	a.view.Rank = rank
	a.mu.Unlock()
	if changed {
		a.logger.Info("obtained rank", zap.Int64("rank", rank))
	}
	return rank, nil
}

// Heartbeat proves liveness once.
func (a *Agent) Heartbeat(ctx context.Context) error {
	_, err := a.call(ctx, protocol.Request{Service: protocol.NameHeartbeat, Data: protocol.RequestData{
		User:      a.name,
		Timestamp: a.clk.Now().UnixMilli(),
	}})
	if err != nil {
		return fmt.Errorf("heartbeat %q: %w", a.name, err)
	}
	return nil
}

// Refresh fetches the live member list and recomputes the coordinator. If
// the agent finds itself under a different rank (it was evicted and came
// back through a heartbeat) its own rank is updated too.
func (a *Agent) Refresh(ctx context.Context) ([]protocol.Entry, error) {
	resp, err := a.call(ctx, protocol.Request{Service: protocol.NameList, Data: protocol.RequestData{
		Timestamp: a.clk.Now().UnixMilli(),
	}})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := resp.Data.List

	a.mu.Lock()
	prev := a.view
	next := View{Rank: prev.Rank, Members: members, Coordinator: coordinator(members)}
	if i := slices.IndexFunc(members, func(e protocol.Entry) bool { return e.Name == a.name }); i >= 0 {
		next.Rank = members[i].Rank
	}
	a.view = next
	a.mu.Unlock()

	if next.Rank != prev.Rank || next.Coordinator != prev.Coordinator || !slices.Equal(next.Members, prev.Members) {
		a.logger.Info("membership updated",
			zap.Int("members", len(members)),
			zap.Int64("rank", next.Rank),
			zap.String("coordinator", next.Coordinator),
			zap.Bool("is_coordinator", next.Coordinator == a.name),
		)
		if a.onChange != nil {
			a.onChange(View{Rank: next.Rank, Members: slices.Clone(members), Coordinator: next.Coordinator})
		}
	}
	return slices.Clone(members), nil
}

// Run registers, then heartbeats and refreshes every interval until ctx is
// done. Failures after registration are logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.Register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if _, err := a.Refresh(ctx); err != nil {
		a.logger.Warn("initial refresh failed", zap.Error(err))
	}

	t := a.clk.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if err := a.Heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			if _, err := a.Refresh(ctx); err != nil {
				a.logger.Warn("refresh failed", zap.Error(err))
			}
		}
	}
}

// coordinator is the live member with the lowest rank.
func coordinator(members []protocol.Entry) string {
	if len(members) == 0 {
		return ""
	}
	return slices.MinFunc(members, func(x, y protocol.Entry) int { return cmp.Compare(x.Rank, y.Rank) }).Name
}
