package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/rlsguard/internal/auditor"
	"github.com/jamesruggles/rlsguard/internal/config"
	"github.com/jamesruggles/rlsguard/internal/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type countingBatch struct {
	runs atomic.Int32
}

func (b *countingBatch) RunBatch(context.Context) (*auditor.BatchReport, error) {
	b.runs.Add(1)
	return &auditor.BatchReport{}, nil
}

var testCfg = config.SchedulerConfig{Warmup: time.Millisecond, Interval: time.Hour, Window: time.Minute}

func newStore(t *testing.T, enabled bool, scanTime string) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := database.DefaultSettings()
	s.SecurityScanning.Enabled = enabled
	s.SecurityScanning.ScanTime = scanTime
	require.NoError(t, db.SaveSettings(context.Background(), &s))
	return db
}

func at(day, hour, minute, sec int) time.Time {
	return time.Date(2026, 10, day, hour, minute, sec, 0, time.Local)
}

func TestManyTicksInWindowFireOnce(t *testing.T) {
	db := newStore(t, true, "02:00")
	clock := &fakeClock{}
	batch := &countingBatch{}
	s := New(db, batch, testCfg, WithClock(clock))
	ctx := context.Background()

	fired := 0
	for _, ts := range []time.Time{at(18, 1, 59, 10), at(18, 2, 0, 0), at(18, 2, 0, 30), at(18, 2, 0, 59)} {
		clock.Set(ts)
		if s.Tick(ctx) {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
	assert.Equal(t, int32(1), batch.runs.Load())

	last, err := db.GetSchedulerState(ctx, LastDateKey)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", last)

	clock.Set(at(19, 2, 0, 20))
	assert.True(t, s.Tick(ctx))
	assert.Equal(t, int32(2), batch.runs.Load())
}

func TestConcurrentTicksFireOnce(t *testing.T) {
	db := newStore(t, true, "02:00")
	clock := &fakeClock{now: at(18, 2, 0, 5)}
	batch := &countingBatch{}
	s := New(db, batch, testCfg, WithClock(clock))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), batch.runs.Load())
}

func TestGateStaysClosedOutsideWindowOrWhenDisabled(t *testing.T) {
	clock := &fakeClock{now: at(18, 2, 2, 0)}
	batch := &countingBatch{}

	s := New(newStore(t, true, "02:00"), batch, testCfg, WithClock(clock))
	assert.False(t, s.Tick(context.Background()))

	clock.Set(at(18, 2, 0, 0))
	off := New(newStore(t, false, "02:00"), batch, testCfg, WithClock(clock))
	assert.False(t, off.Tick(context.Background()))

	bad := New(newStore(t, true, "25:99"), batch, testCfg, WithClock(clock))
	assert.False(t, bad.Tick(context.Background()))

	assert.Equal(t, int32(0), batch.runs.Load())
}

func TestRestartDoesNotRefireSameDay(t *testing.T) {
	db := newStore(t, true, "02:00")
	clock := &fakeClock{now: at(18, 2, 0, 10)}
	batch := &countingBatch{}

	first := New(db, batch, testCfg, WithClock(clock))
	require.True(t, first.Tick(context.Background()))

	restarted := New(db, batch, testCfg, WithClock(clock))
	assert.False(t, restarted.Tick(context.Background()))
	assert.Equal(t, int32(1), batch.runs.Load())
}

func TestStartIsIdempotentAndStopWaits(t *testing.T) {
	db := newStore(t, true, "02:00")
	clock := &fakeClock{now: at(18, 2, 0, 0)}
	batch := &countingBatch{}
	s := New(db, batch, testCfg, WithClock(clock))

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	require.Eventually(t, func() bool { return batch.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.Equal(t, "2026-10-18", st.LastRunDate)
	require.NotNil(t, st.NextRun)
	assert.Equal(t, 19, st.NextRun.Day())

	s.Stop()
	s.Stop()
	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Armed)
	assert.Equal(t, int32(1), batch.runs.Load())
}

func TestParseScanTime(t *testing.T) {
	h, m, err := ParseScanTime("07:45")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 45, m)

	for _, bad := range []string{"", "7", "24:00", "12:60", "ab:cd"} {
		_, _, err := ParseScanTime(bad)
		assert.Error(t, err, bad)
	}
}
