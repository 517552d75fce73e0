package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct {
	name string
	slow time.Duration

	mu  sync.Mutex
	err error
}

func newFakePinger(name string) *fakePinger {
	return &fakePinger{name: name}
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.slow > 0 {
		select {
		case <-time.After(f.slow):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePinger) recover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
}

func TestMonitor_AllAlive(t *testing.T) {
	redis := newFakePinger("redis")
	db := newFakePinger("database")

	m := NewMonitor([]Pinger{redis, db}, 100*time.Millisecond, time.Minute, zap.NewNop())
	snap := m.Check(context.Background())

	assert.True(t, snap.Tiers["redis"])
	assert.True(t, snap.Tiers["database"])
	assert.True(t, snap.Overall)
}

func TestMonitor_DeadTierAndRecovery(t *testing.T) {
	redis := newFakePinger("redis")
	db := newFakePinger("database")
	m := NewMonitor([]Pinger{redis, db}, 100*time.Millisecond, time.Minute, zap.NewNop())

	redis.fail(errors.New("connection refused"))
	snap := m.Check(context.Background())

	assert.False(t, snap.Tiers["redis"])
	assert.True(t, snap.Tiers["database"])
	assert.True(t, snap.Overall, "overall stays true while any tier lives")
	require.Error(t, m.LastError("redis"))

	redis.recover()
	snap = m.Check(context.Background())

	assert.True(t, snap.Tiers["redis"])
	assert.NoError(t, m.LastError("redis"))
}

func TestMonitor_AllDead(t *testing.T) {
	redis := newFakePinger("redis")
	redis.fail(errors.New("down"))
	db := newFakePinger("database")
	db.fail(errors.New("down"))

	m := NewMonitor([]Pinger{redis, db}, 100*time.Millisecond, time.Minute, zap.NewNop())
	snap := m.Check(context.Background())

	assert.False(t, snap.Overall)
}

func TestMonitor_UnprobedTierIsNotAlive(t *testing.T) {
	m := NewMonitor([]Pinger{newFakePinger("redis")}, 100*time.Millisecond, time.Minute, zap.NewNop())

	snap := m.Snapshot()
	assert.False(t, snap.Tiers["redis"])
	assert.False(t, snap.Overall)
}

func TestMonitor_CheckIsBoundedByProbeTimeout(t *testing.T) {
	slow := newFakePinger("redis")
	slow.slow = 5 * time.Second
	fast := newFakePinger("database")

	m := NewMonitor([]Pinger{slow, fast}, 50*time.Millisecond, time.Minute, zap.NewNop())

	start := time.Now()
	snap := m.Check(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond,
		"a hung backend must not stall the whole check")
	assert.False(t, snap.Tiers["redis"])
	assert.True(t, snap.Tiers["database"])
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor([]Pinger{newFakePinger("redis")}, 50*time.Millisecond, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	assert.True(t, m.Snapshot().Tiers["redis"])
}
