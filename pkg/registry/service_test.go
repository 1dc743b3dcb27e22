package registry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
)

func startService(t *testing.T, opts ...Option) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	base := []Option{WithClock(clk), WithLogger(zaptest.NewLogger(t))}
	svc := New(append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-svc.Done()
	})
	return svc, clk
}

func call(t *testing.T, svc *Service, service, user string) protocol.Response {
	t.Helper()
	resp, err := svc.Call(context.Background(), protocol.Request{Service: service, Data: protocol.RequestData{User: user}})
	require.NoError(t, err)
	return resp
}

func list(t *testing.T, svc *Service) []protocol.Entry {
	t.Helper()
	resp := call(t, svc, protocol.NameList, "")
	require.False(t, resp.Data.IsError(), resp.Data.Description)
	return resp.Data.List
}

func TestRankThenList(t *testing.T) {
	svc, _ := startService(t)

	resp := call(t, svc, "rank", "server-a")
	assert.Equal(t, "rank", resp.Service)
	assert.Equal(t, int64(1), resp.Data.Rank)

	assert.Equal(t, int64(2), call(t, svc, "rank", "server-b").Data.Rank)
	assert.Equal(t, int64(1), call(t, svc, "rank", "server-a").Data.Rank)

	assert.Equal(t, []protocol.Entry{
		{Name: "server-a", Rank: 1},
		{Name: "server-b", Rank: 2},
	}, list(t, svc))
}

func TestHeartbeatRegistersUnknownMember(t *testing.T) {
	svc, _ := startService(t)
	call(t, svc, "rank", "server-a")
	call(t, svc, "rank", "server-b")

	resp := call(t, svc, "heartbeat", "server-c")
	assert.Equal(t, "heartbeat", resp.Service)
	assert.False(t, resp.Data.IsError())
	assert.Zero(t, resp.Data.Rank)

	entries := list(t, svc)
	require.Len(t, entries, 3)
	assert.Equal(t, protocol.Entry{Name: "server-c", Rank: 3}, entries[2])
}

func TestSilentMemberExpires(t *testing.T) {
	svc, clk := startService(t, WithMemberTimeout(30*time.Second))
	call(t, svc, "heartbeat", "server-a")

	clk.Advance(30 * time.Second)
	removed, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)

	clk.Advance(time.Second)
	removed, err = svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"server-a"}, removed)
	assert.Empty(t, list(t, svc))

	// a comeback is a brand-new member
	assert.Equal(t, int64(2), call(t, svc, "rank", "server-a").Data.Rank)
}

func TestHeartbeatingMemberIsNeverEvicted(t *testing.T) {
	svc, clk := startService(t, WithMemberTimeout(30*time.Second))
	call(t, svc, "rank", "steady")
	call(t, svc, "rank", "silent")

	for i := 0; i < 12; i++ {
		clk.Advance(10 * time.Second)
		if i%2 == 1 {
			call(t, svc, "heartbeat", "steady")
		}
		_, err := svc.Sweep(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []protocol.Entry{{Name: "steady", Rank: 1}}, list(t, svc))
}

func TestErrorResponses(t *testing.T) {
	svc, _ := startService(t)

	resp := call(t, svc, "ping", "server-a")
	assert.Equal(t, "ping", resp.Service)
	assert.Equal(t, protocol.StatusError, resp.Data.Status)
	assert.Equal(t, "service not found", resp.Data.Description)
	assert.NotZero(t, resp.Data.Clock)
	assert.NotZero(t, resp.Data.Timestamp)

	for _, service := range []string{"rank", "heartbeat"} {
		resp = call(t, svc, service, "")
		assert.Equal(t, service, resp.Service)
		assert.Equal(t, protocol.StatusError, resp.Data.Status)
		assert.Equal(t, "user name not provided", resp.Data.Description)
	}

	assert.Empty(t, list(t, svc))
}

func TestResponseClockIsAfterRequestClock(t *testing.T) {
	svc, _ := startService(t)

	var last int64
	for _, sent := range []int64{100, 3, 250, 250, 0} {
		req := protocol.Request{Service: "heartbeat", Data: protocol.RequestData{User: "server-a"}}.WithClock(sent)
		resp, err := svc.Call(context.Background(), req)
		require.NoError(t, err)
		assert.Greater(t, resp.Data.Clock, sent)
		assert.Greater(t, resp.Data.Clock, last, "clock went backwards")
		last = resp.Data.Clock
	}

	// merge law: max(current, received) + 1, then the response tick
	resp, err := svc.Call(context.Background(), protocol.Request{Service: "list"}.WithClock(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(1002), resp.Data.Clock)

	// error responses advance the clock too
	resp = call(t, svc, "ping", "")
	assert.Equal(t, int64(1003), resp.Data.Clock)
}

func TestOutOfRangeClockIsRejected(t *testing.T) {
	t.Run("above max", func(t *testing.T) {
		svc, _ := startService(t)
		for _, sent := range []int64{math.MaxInt64, protocol.MaxClock + 1} {
			resp, err := svc.Call(context.Background(), protocol.Request{Service: "list"}.WithClock(sent))
			require.NoError(t, err)
			assert.Equal(t, "list", resp.Service)
			assert.Equal(t, protocol.StatusError, resp.Data.Status)
			assert.Equal(t, "clock out of range", resp.Data.Description)
		}

		// the registry clock was not touched by either request
		resp := call(t, svc, "list", "")
		assert.Equal(t, int64(3), resp.Data.Clock)
	})

	t.Run("uint64 on the wire", func(t *testing.T) {
		svc, _ := startService(t)
		b, err := msgpack.Marshal(map[string]any{
			"service": "list",
			"data":    map[string]any{"clock": uint64(math.MaxUint64)},
		})
		require.NoError(t, err)

		out, err := svc.Handle(context.Background(), b)
		require.NoError(t, err)
		resp, err := protocol.DecodeResponse(out)
		require.NoError(t, err)
		assert.Equal(t, "clock out of range", resp.Data.Description)
		assert.Equal(t, int64(1), resp.Data.Clock)
	})

	t.Run("at max", func(t *testing.T) {
		svc, _ := startService(t)
		resp, err := svc.Call(context.Background(), protocol.Request{Service: "list"}.WithClock(protocol.MaxClock))
		require.NoError(t, err)
		require.False(t, resp.Data.IsError(), resp.Data.Description)
		assert.Greater(t, resp.Data.Clock, protocol.MaxClock)

		// saturated, never wraps
		next := call(t, svc, "list", "")
		assert.Equal(t, int64(math.MaxInt64), next.Data.Clock)
	})
}

func TestPanicInRequestBecomesInternalFault(t *testing.T) {
	svc, _ := startService(t)
	ctx := context.Background()
	assert.Equal(t, int64(1), call(t, svc, "rank", "server-a").Data.Rank)

	// registering into a nil map panics inside the job
	require.NoError(t, svc.submit(ctx, func() { svc.table.members = nil }))

	resp := call(t, svc, "rank", "server-b")
	assert.Equal(t, "rank", resp.Service)
	assert.Equal(t, protocol.StatusError, resp.Data.Status)
	assert.Equal(t, "internal server error", resp.Data.Description)
	assert.Equal(t, int64(2), resp.Data.Clock)

	next := call(t, svc, "list", "")
	assert.False(t, next.Data.IsError())
	assert.Equal(t, int64(3), next.Data.Clock)
}

func TestRunSurvivesPanickingJob(t *testing.T) {
	svc, _ := startService(t)
	ctx := context.Background()

	require.NoError(t, svc.submit(ctx, func() { panic("boom") }))

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Members)
	assert.Equal(t, int64(1), call(t, svc, "rank", "server-a").Data.Rank)
}

func TestResponseTimestampIsWallClockMillis(t *testing.T) {
	svc, clk := startService(t)
	clk.Advance(1500 * time.Millisecond)
	resp := call(t, svc, "rank", "server-a")
	assert.Equal(t, t0.Add(1500*time.Millisecond).UnixMilli(), resp.Data.Timestamp)
}

func TestHandleEncodedEnvelopes(t *testing.T) {
	svc, _ := startService(t)
	ctx := context.Background()

	t.Run("python style map", func(t *testing.T) {
		in, err := msgpack.Marshal(map[string]any{"service": "rank", "data": map[string]any{"user": "server-a", "clock": 41}})
		require.NoError(t, err)
		out, err := svc.Handle(ctx, in)
		require.NoError(t, err)

		resp, err := protocol.DecodeResponse(out)
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Data.Rank)
		assert.Equal(t, int64(43), resp.Data.Clock)
	})

	t.Run("malformed", func(t *testing.T) {
		out, err := svc.Handle(ctx, []byte("definitely not msgpack"))
		require.NoError(t, err)

		resp, err := protocol.DecodeResponse(out)
		require.NoError(t, err)
		assert.Equal(t, protocol.NameError, resp.Service)
		assert.Equal(t, protocol.StatusError, resp.Data.Status)
		assert.Equal(t, "malformed request", resp.Data.Description)
	})

	t.Run("list payload", func(t *testing.T) {
		in, err := protocol.EncodeRequest(protocol.Request{Service: "list"})
		require.NoError(t, err)
		out, err := svc.Handle(ctx, in)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, msgpack.Unmarshal(out, &raw))
		data, ok := raw["data"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, data, "list")
		assert.NotContains(t, data, "status")
	})
}

func TestStats(t *testing.T) {
	svc, _ := startService(t)
	call(t, svc, "rank", "server-a")
	call(t, svc, "rank", "server-b")

	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Members: 2, NextRank: 3, Clock: 2}, st)
}

func TestCallAfterStop(t *testing.T) {
	svc := New(WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// make sure the loop is up before stopping it
	_, err := svc.Stats(context.Background())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	_, err = svc.Call(context.Background(), protocol.Request{Service: "list"})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = svc.Handle(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCallHonorsContextWhenNotRunning(t *testing.T) {
	svc := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Call(ctx, protocol.Request{Service: "list"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentCallersGetDistinctRanks(t *testing.T) {
	svc, _ := startService(t)
	const n = 64

	ranks := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			resp, err := svc.Call(context.Background(), protocol.Request{
				Service: "rank",
				Data:    protocol.RequestData{User: "server-" + string(rune('A'+i%26)) + string(rune('a'+i/26))},
			})
			if err != nil {
				ranks <- -1
				return
			}
			ranks <- resp.Data.Rank
		}(i)
	}

	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		r := <-ranks
		require.Positive(t, r)
		require.False(t, seen[r], "rank %d handed out twice", r)
		seen[r] = true
	}
	for r := int64(1); r <= n; r++ {
		assert.True(t, seen[r], "rank %d missing", r)
	}
}
