package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Agrid-Dev/windmillfan/internal/windmill"
)

const DefaultInterval = 60 * time.Second

const refreshKey = "refresh"

// Device is what the coordinator polls. *windmill.Adapter implements it.
type Device interface {
	Power(ctx context.Context) (bool, error)
	Speed(ctx context.Context) (windmill.Level, error)
	Close() error
}

type Config struct {
	Name     string
	Interval time.Duration
}

// Outcome is the result of one refresh. On failure Snapshot holds the last
// known good snapshot, which may be the zero value.
type Outcome struct {
	Snapshot windmill.Snapshot
	Err      error
	At       time.Time
}

func (o Outcome) OK() bool { return o.Err == nil }

type Option func(*Coordinator)

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type observer struct {
	id int
	fn func(Outcome)
}

// Coordinator polls a Device and caches the latest snapshot. At most one
// fetch is in flight at a time; concurrent Refresh calls share it.
type Coordinator struct {
	dev     Device
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	group   singleflight.Group
	waiters atomic.Int32

	mu        sync.RWMutex
	snap      windmill.Snapshot
	hasSnap   bool
	refreshed bool
	lastOK    bool
	lastErr   error

	obsMu     sync.Mutex
	observers []observer
	nextID    int

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func New(dev Device, cfg Config, log zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Name == "" {
		cfg.Name = "windmill"
	}
	c := &Coordinator{
		dev: dev,
		cfg: cfg,
		log: log.With().Str("coordinator", cfg.Name).Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Interval() time.Duration { return c.cfg.Interval }

// Snapshot returns the last good snapshot. ok is false until the first
// successful refresh.
func (c *Coordinator) Snapshot() (s windmill.Snapshot, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.hasSnap
}

func (c *Coordinator) LastRefreshSuccessful() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastOK
}

func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Register adds fn to the observers notified after refreshes that change
// something. Observers run in registration order on the refreshing
// goroutine and must neither block nor call Refresh.
func (c *Coordinator) Register(fn func(Outcome)) (unregister func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	id := c.nextID
	c.nextID++
	c.observers = append(c.observers, observer{id: id, fn: fn})

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Refresh fetches a fresh snapshot, or waits for the fetch already in
// flight. Every caller attached to one fetch gets the same Outcome. The
// fetch is not cancelled by ctx; a caller whose ctx ends stops waiting and
// gets ctx.Err().
func (c *Coordinator) Refresh(ctx context.Context) Outcome {
	if c.closed.Load() {
		return c.failedOutcome(ErrShutdown)
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(fetchCtx), nil
	})
	c.waiters.Add(1)
	c.metrics.waiting(1)
	defer func() {
		c.waiters.Add(-1)
		c.metrics.waiting(-1)
	}()

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.shared()
		}
		return res.Val.(Outcome)
	case <-ctx.Done():
		return c.failedOutcome(ctx.Err())
	}
}

// FirstRefresh runs a refresh and reports its failure as an error.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	return c.Refresh(ctx).Err
}

// Run refreshes every Interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Shutdown releases the device. Later refreshes fail with ErrShutdown.
func (c *Coordinator) Shutdown() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.dev.Close()
		c.log.Debug().Msg("coordinator shut down")
	})
	return c.closeErr
}

func (c *Coordinator) failedOutcome(err error) Outcome {
	s, _ := c.Snapshot()
	return Outcome{Snapshot: s, Err: err, At: c.now()}
}

func (c *Coordinator) fetch(ctx context.Context) (windmill.Snapshot, error) {
	power, err := c.dev.Power(ctx)
	if err != nil {
		return windmill.Snapshot{}, err
	}
	speed, err := c.dev.Speed(ctx)
	if err != nil {
		return windmill.Snapshot{}, err
	}
	return windmill.Snapshot{Power: power, Speed: speed}, nil
}

func (c *Coordinator) refresh(ctx context.Context) Outcome {
	start := c.now()
	snap, err := c.fetch(ctx)
	out := Outcome{Snapshot: snap, At: start}

	c.mu.Lock()
	first := !c.refreshed
	prevOK := c.lastOK
	changed := !c.hasSnap || c.snap != snap
	c.refreshed = true
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrUpdateFailed, err)
		out.Snapshot = c.snap
		c.lastOK = false
		c.lastErr = out.Err
	} else {
		c.snap = snap
		c.hasSnap = true
		c.lastOK = true
		c.lastErr = nil
	}
	c.mu.Unlock()

	c.metrics.observeRefresh(out, c.now().Sub(start))

	var notify bool
	if err != nil {
		notify = first || prevOK
		if notify {
			c.log.Error().Err(err).Msg("error fetching data")
		} else {
			c.log.Debug().Err(err).Msg("refresh still failing")
		}
	} else {
		notify = first || !prevOK || changed
		if !first && !prevOK {
			c.log.Info().Msg("fetching data recovered")
		}
		c.log.Debug().
			Bool("power", snap.Power).
			Str("speed", snap.Speed.String()).
			Bool("changed", changed).
			Msg("refreshed")
	}

	if notify {
		c.notify(out)
	}
	return out
}

func (c *Coordinator) notify(out Outcome) {
	c.obsMu.Lock()
	obs := make([]observer, len(c.observers))
	copy(obs, c.observers)
	c.obsMu.Unlock()

	for _, o := range obs {
		o.fn(out)
	}
}
