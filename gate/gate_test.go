package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/internal/logging"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, extra ...Locker) (*Coordinator, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, logging.Discard(), extra...), s
}

func TestPolicyDue(t *testing.T) {
	t.Parallel()

	daily := Policy{Period: 24 * time.Hour}
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	anchored := Policy{Period: 24 * time.Hour, NotBefore: "17:15", Location: ny}

	// 2024-01-02 17:15 New York is 22:15 UTC
	anchor := time.Date(2024, 1, 2, 22, 15, 0, 0, time.UTC)

	tests := []struct {
		name        string
		policy      Policy
		now         time.Time
		lastSuccess time.Time
		want        bool
	}{
		{"never ran", daily, t0, time.Time{}, true},
		{"within period", daily, t0.Add(23 * time.Hour), t0, false},
		{"period elapsed", daily, t0.Add(24 * time.Hour), t0, true},
		{"anchored never ran", anchored, anchor.Add(-time.Hour), time.Time{}, true},
		{"anchored before today's time", anchored, anchor.Add(-time.Minute), anchor.Add(-23 * time.Hour), false},
		{"anchored after today's time", anchored, anchor.Add(time.Minute), anchor.Add(-23 * time.Hour), true},
		{"anchored already ran today", anchored, anchor.Add(2 * time.Hour), anchor.Add(time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Due(tt.now, tt.lastSuccess))
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Policy{Period: time.Hour}.Validate())
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{Period: 24 * time.Hour, NotBefore: "25:99"}.Validate())
	assert.Error(t, Policy{Period: time.Hour, NotBefore: "06:00"}.Validate())
}

func TestRunOncePerPeriod(t *testing.T) {
	t.Parallel()
	c, s := newTestCoordinator(t)

	var calls int32
	job := Job{
		Name:   "update_ohlc",
		Policy: Policy{Period: 24 * time.Hour},
		Body: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}

	// ticks every 15 minutes for one day
	for i := 0; i < 96; i++ {
		out := c.Run(context.Background(), job, t0.Add(time.Duration(i)*15*time.Minute))
		require.NoError(t, out.Err)
		if i == 0 {
			assert.True(t, out.Ran)
		} else {
			assert.Equal(t, SkipNotDue, out.Skipped)
		}
	}
	assert.Equal(t, int32(1), calls)

	out := c.Run(context.Background(), job, t0.Add(24*time.Hour))
	assert.True(t, out.Ran)
	assert.Equal(t, int32(2), calls)

	rec, ok, err := s.GetJobRun(context.Background(), "update_ohlc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Runs)
}

func TestRunSingleFlight(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	var calls int32
	release := make(chan struct{})
	job := Job{
		Name:   "update_strategy",
		Policy: Policy{Period: time.Hour},
		Body: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&calls, 1)
			<-release
			return nil
		},
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.Run(context.Background(), job, t0)
		}(i)
	}
	// let the winner start before releasing it
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	ran := 0
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
		if o.Ran {
			ran++
		} else {
			assert.Contains(t, []SkipReason{SkipBusy, SkipNotDue}, o.Skipped)
		}
	}
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(1), calls)
}

func TestRunSingleFlightAcrossProcesses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shared.db")
	coordinator := func() *Coordinator {
		s, err := store.Open(context.Background(), store.DriverSQLite, path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return New(s, logging.Discard(), nil)
	}
	a, b := coordinator(), coordinator()

	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	job := Job{
		Name:   "update_ohlc",
		Policy: Policy{Period: time.Hour},
		Body: func(ctx context.Context, now time.Time) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(entered)
				<-release
			}
			return nil
		},
	}

	done := make(chan Outcome)
	go func() { done <- a.Run(context.Background(), job, t0) }()
	<-entered

	out := b.Run(context.Background(), job, t0.Add(time.Minute))
	assert.False(t, out.Ran)
	assert.Equal(t, SkipBusy, out.Skipped)
	assert.NoError(t, out.Err)
	assert.ErrorIs(t, b.MarkStarted(context.Background(), "update_ohlc", t0.Add(time.Minute)), errs.ErrLockContention)

	close(release)
	first := <-done
	assert.True(t, first.Ran)
	assert.NoError(t, first.Err)
	assert.Equal(t, int32(1), calls)

	// the finished run is visible to the other handle
	out = b.Run(context.Background(), job, t0.Add(2*time.Minute))
	assert.Equal(t, SkipNotDue, out.Skipped)
}

func TestRunFailureKeepsJobDue(t *testing.T) {
	t.Parallel()
	c, s := newTestCoordinator(t)

	fail := true
	var calls int
	job := Job{
		Name:   "position_and_order",
		Policy: Policy{Period: 24 * time.Hour},
		Body: func(ctx context.Context, now time.Time) error {
			calls++
			if fail {
				return errors.New("broker down")
			}
			return nil
		},
	}

	out := c.Run(context.Background(), job, t0)
	assert.True(t, out.Ran)
	assert.EqualError(t, out.Err, "broker down")

	rec, _, err := s.GetJobRun(context.Background(), job.Name)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.LastRunAt)
	assert.True(t, rec.LastSuccessAt.IsZero())
	assert.Equal(t, 1, rec.Failures)

	ok, err := c.ShouldRun(context.Background(), job.Name, job.Policy, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "a failed run leaves the period due")

	fail = false
	out = c.Run(context.Background(), job, t0.Add(15*time.Minute))
	require.NoError(t, out.Err)
	assert.True(t, out.Ran)
	assert.Equal(t, 2, calls)

	ok, err = c.ShouldRun(context.Background(), job.Name, job.Policy, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunSkipsUnchangedInputs(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	fp := "marks-v1"
	var calls int
	job := Job{
		Name:        "update_strategy",
		Policy:      Policy{Period: time.Hour},
		Fingerprint: func(ctx context.Context) (string, error) { return fp, nil },
		Body: func(ctx context.Context, now time.Time) error {
			calls++
			return nil
		},
	}

	assert.True(t, c.Run(context.Background(), job, t0).Ran)

	out := c.Run(context.Background(), job, t0.Add(2*time.Hour))
	assert.False(t, out.Ran)
	assert.Equal(t, SkipUnchanged, out.Skipped)

	fp = "marks-v2"
	assert.True(t, c.Run(context.Background(), job, t0.Add(3*time.Hour)).Ran)
	assert.Equal(t, 2, calls)
}

func TestRunTimeoutReleasesLock(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	job := Job{
		Name:    "update_ohlc",
		Policy:  Policy{Period: time.Hour},
		Timeout: 10 * time.Millisecond,
		Body: func(ctx context.Context, now time.Time) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	out := c.Run(context.Background(), job, t0)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)

	// the lock is free and the job is still due
	job.Body = func(ctx context.Context, now time.Time) error { return nil }
	out = c.Run(context.Background(), job, t0.Add(time.Minute))
	assert.True(t, out.Ran)
	assert.NoError(t, out.Err)
}

func TestFileLocker(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l := &FileLocker{Dir: dir}

	unlock, ok, err := l.TryLock(context.Background(), "update_ohlc")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(filepath.Join(dir, "update_ohlc.lock"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	unlock()
	_, err = os.Stat(filepath.Join(dir, "update_ohlc.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestCoordinatorWithFileLocker(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, &FileLocker{Dir: t.TempDir()})

	out := c.Run(context.Background(), Job{
		Name:   "update_ohlc",
		Policy: Policy{Period: time.Hour},
		Body:   func(ctx context.Context, now time.Time) error { return nil },
	}, t0)
	assert.True(t, out.Ran)
	assert.NoError(t, out.Err)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	l := &RedisLocker{Client: client, Prefix: "jobtrader-test:", TTL: time.Minute}
	key := "job-" + strconv.FormatInt(time.Now().UnixNano(), 10)

	unlock, ok, err := l.TryLock(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock2, ok, err := l.TryLock(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}

func TestRunDeferredStaysDue(t *testing.T) {
	t.Parallel()
	c, s := newTestCoordinator(t)

	waiting := true
	job := Job{
		Name:   "position_and_order",
		Policy: Policy{Period: 24 * time.Hour},
		Body: func(ctx context.Context, now time.Time) error {
			if waiting {
				return fmt.Errorf("1 key(s) before order time: %w", errs.ErrDeferred)
			}
			return nil
		},
	}

	out := c.Run(context.Background(), job, t0)
	assert.True(t, out.Ran)
	assert.True(t, out.Deferred)
	assert.NoError(t, out.Err)

	rec, _, err := s.GetJobRun(context.Background(), job.Name)
	require.NoError(t, err)
	assert.True(t, rec.LastSuccessAt.IsZero())
	assert.Equal(t, t0, rec.LastRunAt)
	assert.Zero(t, rec.Failures)
	assert.False(t, rec.Running())

	waiting = false
	out = c.Run(context.Background(), job, t0.Add(15*time.Minute))
	assert.True(t, out.Ran)
	assert.False(t, out.Deferred)

	rec, _, err = s.GetJobRun(context.Background(), job.Name)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), rec.LastSuccessAt)
	assert.Equal(t, 2, rec.Runs)
}
