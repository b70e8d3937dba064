package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/windmillfan/internal/windmill"
)

type fakeDevice struct {
	mu       sync.Mutex
	power    bool
	speed    windmill.Level
	powerErr error
	speedErr error

	// when set, Power signals entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}

	powerCalls int
	speedCalls int
	closeCalls int
}

func newFakeDevice(power bool, speed windmill.Level) *fakeDevice {
	return &fakeDevice{power: power, speed: speed}
}

func (d *fakeDevice) Power(ctx context.Context) (bool, error) {
	d.mu.Lock()
	d.powerCalls++
	entered, release := d.entered, d.release
	d.mu.Unlock()

	if release != nil {
		entered <- struct{}{}
		<-release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power, d.powerErr
}

func (d *fakeDevice) Speed(ctx context.Context) (windmill.Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speedCalls++
	return d.speed, d.speedErr
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) calls() (power, speed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerCalls, d.speedCalls
}

func (d *fakeDevice) gate() {
	d.set(func(d *fakeDevice) {
		d.entered = make(chan struct{}, 1)
		d.release = make(chan struct{})
	})
}

func newTestCoordinator(dev Device, opts ...Option) *Coordinator {
	return New(dev, Config{Name: "test"}, zerolog.Nop(), opts...)
}

func TestRefresh_Success(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelHigh)
	c := newTestCoordinator(dev)

	_, ok := c.Snapshot()
	assert.False(t, ok, "no snapshot before first refresh")
	assert.False(t, c.LastRefreshSuccessful())

	out := c.Refresh(context.Background())
	require.True(t, out.OK(), "err: %v", out.Err)
	assert.Equal(t, windmill.Snapshot{Power: true, Speed: windmill.LevelHigh}, out.Snapshot)

	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, out.Snapshot, snap)
	assert.True(t, c.LastRefreshSuccessful())
	assert.NoError(t, c.LastError())

	power, speed := dev.calls()
	assert.Equal(t, 1, power)
	assert.Equal(t, 1, speed)
}

func TestRefresh_ConcurrentCallsShareOneFetch(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelBoost)
	dev.gate()
	c := newTestCoordinator(dev)

	results := make(chan Outcome, 2)
	go func() { results <- c.Refresh(context.Background()) }()
	<-dev.entered

	go func() { results <- c.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return c.waiters.Load() == 2 }, time.Second, time.Millisecond)

	close(dev.release)
	first := <-results
	second := <-results

	power, speed := dev.calls()
	assert.Equal(t, 1, power, "exactly one remote power read")
	assert.Equal(t, 1, speed, "exactly one remote speed read")
	require.True(t, first.OK())
	assert.Equal(t, first, second)
}

func TestRefresh_FailureKeepsLastGoodSnapshot(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelLow)
	c := newTestCoordinator(dev)
	require.True(t, c.Refresh(context.Background()).OK())

	cause := errors.New("connection refused")
	dev.set(func(d *fakeDevice) {
		d.power = false
		d.powerErr = cause
	})

	out := c.Refresh(context.Background())
	require.False(t, out.OK())
	assert.ErrorIs(t, out.Err, ErrUpdateFailed)
	assert.ErrorIs(t, out.Err, cause)
	assert.Equal(t, windmill.Snapshot{Power: true, Speed: windmill.LevelLow}, out.Snapshot)

	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, windmill.Snapshot{Power: true, Speed: windmill.LevelLow}, snap)
	assert.False(t, c.LastRefreshSuccessful())
	assert.ErrorIs(t, c.LastError(), cause)
}

func TestRefresh_SpeedFailurePublishesNothing(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelHigh)
	c := newTestCoordinator(dev)
	require.True(t, c.Refresh(context.Background()).OK())

	dev.set(func(d *fakeDevice) {
		d.power = false
		d.speedErr = errors.New("timeout")
	})
	out := c.Refresh(context.Background())
	require.False(t, out.OK())

	snap, _ := c.Snapshot()
	assert.True(t, snap.Power, "power read from the failed cycle must not leak")

	power, speed := dev.calls()
	assert.Equal(t, 2, power)
	assert.Equal(t, 2, speed, "power is read before speed")
}

func TestObservers_NotifiedOnTransitions(t *testing.T) {
	dev := newFakeDevice(false, windmill.LevelMedium)
	c := newTestCoordinator(dev)

	var got []bool
	c.Register(func(o Outcome) { got = append(got, o.OK()) })

	fail := errors.New("down")
	steps := []struct {
		name   string
		mutate func(d *fakeDevice)
		notify bool
	}{
		{"first success", func(d *fakeDevice) {}, true},
		{"unchanged success", func(d *fakeDevice) {}, false},
		{"changed success", func(d *fakeDevice) { d.power = true }, true},
		{"first failure", func(d *fakeDevice) { d.powerErr = fail }, true},
		{"repeated failure", func(d *fakeDevice) {}, false},
		{"recovery with same data", func(d *fakeDevice) { d.powerErr = nil }, true},
	}

	want := 0
	for _, step := range steps {
		dev.set(step.mutate)
		c.Refresh(context.Background())
		if step.notify {
			want++
		}
		require.Len(t, got, want, step.name)
	}
	assert.Equal(t, []bool{true, true, false, true}, got)
}

func TestObservers_FirstRefreshFailureNotifies(t *testing.T) {
	dev := newFakeDevice(false, windmill.LevelMedium)
	dev.powerErr = errors.New("down")
	c := newTestCoordinator(dev)

	calls := 0
	c.Register(func(Outcome) { calls++ })

	require.Error(t, c.FirstRefresh(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestObservers_UnregisterAndOrder(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelLow)
	c := newTestCoordinator(dev)

	var order []string
	c.Register(func(Outcome) { order = append(order, "a") })
	unregisterB := c.Register(func(Outcome) { order = append(order, "b") })
	c.Register(func(Outcome) { order = append(order, "c") })

	c.Refresh(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, order)

	unregisterB()
	unregisterB()
	order = nil
	dev.set(func(d *fakeDevice) { d.speed = windmill.LevelHigh })
	c.Refresh(context.Background())
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestRefresh_CallerCancelDoesNotCancelFetch(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelWhisper)
	dev.gate()
	c := newTestCoordinator(dev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-dev.entered

	cancel()
	out := <-done
	assert.ErrorIs(t, out.Err, context.Canceled)

	close(dev.release)
	require.Eventually(t, c.LastRefreshSuccessful, time.Second, time.Millisecond)
	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, windmill.LevelWhisper, snap.Speed)
}

func TestShutdown_ClosesOnce(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelLow)
	c := newTestCoordinator(dev)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, dev.closeCalls)

	out := c.Refresh(context.Background())
	assert.ErrorIs(t, out.Err, ErrShutdown)
	power, _ := dev.calls()
	assert.Zero(t, power)
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	dev := newFakeDevice(true, windmill.LevelLow)
	c := New(dev, Config{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		power, _ := dev.calls()
		return power >= 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(newFakeDevice(false, windmill.LevelMedium), Config{}, zerolog.Nop())
	assert.Equal(t, DefaultInterval, c.Interval())
}

func TestMetrics_RecordRefreshes(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	for _, col := range m.Collectors() {
		require.NoError(t, reg.Register(col))
	}

	at := time.Unix(1700000000, 0)
	dev := newFakeDevice(true, windmill.LevelLow)
	c := newTestCoordinator(dev, WithMetrics(m), WithClock(func() time.Time { return at }))

	c.Refresh(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.available))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess))

	dev.set(func(d *fakeDevice) { d.powerErr = errors.New("down") })
	c.Refresh(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.available))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.waiters))

	var nilMetrics *Metrics
	assert.Nil(t, nilMetrics.Collectors())
}
