// Package cache keeps the current instrument snapshot in memory and refreshes
// it on a schedule.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when no snapshot could be obtained in time.
var ErrUnavailable = errors.New("instrument catalog unavailable")

// ErrAlreadyStarted is returned by Start on a running cache.
var ErrAlreadyStarted = errors.New("cache already started")

// ErrEmptySnapshot is returned when a refresh would replace a populated
// snapshot with one that kept no contracts.
var ErrEmptySnapshot = errors.New("catalog refresh produced no contracts")

const refreshKey = "refresh"

// Loader produces a fresh snapshot. catalog.Source implements it.
type Loader interface {
	Load(ctx context.Context) (*catalog.Snapshot, error)
}

// Config controls refresh pacing and the cold-start bound.
type Config struct {
	RefreshInterval time.Duration
	ColdStartWait   time.Duration
	ColdStartRetry  time.Duration
	// StaleAfter triggers a background refresh on read. Zero disables it.
	StaleAfter time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	RefreshInterval: 24 * time.Hour,
	ColdStartWait:   60 * time.Second,
	ColdStartRetry:  5 * time.Second,
	StaleAfter:      48 * time.Hour,
}

// Status is a point-in-time view for the dashboard.
type Status struct {
	Ready       bool        `json:"ready"`
	Running     bool        `json:"running"`
	Underlying  string      `json:"underlying,omitempty"`
	Instruments int         `json:"instruments"`
	Expiries    []time.Time `json:"expiries"`
	LoadedAt    time.Time   `json:"loaded_at"`
	Stale       bool        `json:"stale"`
	LastAttempt time.Time   `json:"last_attempt"`
	LastError   string      `json:"last_error,omitempty"`
	Successes   int64       `json:"successes"`
	Failures    int64       `json:"failures"`
}

// Cache holds the latest snapshot behind an atomic pointer. Readers never
// block on refreshes and always see a whole snapshot.
type Cache struct {
	loader Loader
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time

	snap       atomic.Pointer[catalog.Snapshot]
	group      singleflight.Group
	background atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.Mutex
	runCtx      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	lastAttempt time.Time
	lastErr     error
	successes   int64
	failures    int64
}

// New creates a cache. It performs no I/O until Start, Refresh or EnsureSnapshot.
func New(loader Loader, cfg Config, logger logrus.FieldLogger) *Cache {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig.RefreshInterval
	}
	if cfg.ColdStartWait <= 0 {
		cfg.ColdStartWait = DefaultConfig.ColdStartWait
	}
	if cfg.ColdStartRetry <= 0 {
		cfg.ColdStartRetry = DefaultConfig.ColdStartRetry
	}
	if cfg.StaleAfter < 0 {
		cfg.StaleAfter = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		loader: loader,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ready:  make(chan struct{}),
	}
}

// Snapshot returns the current snapshot, or nil before the first load.
func (c *Cache) Snapshot() *catalog.Snapshot {
	return c.snap.Load()
}

// Ready is closed once the first snapshot has been stored.
func (c *Cache) Ready() <-chan struct{} {
	return c.ready
}

// Refresh loads a new snapshot and swaps it in. Concurrent callers share one
// load. On failure the current snapshot is kept and the error returned.
// ctx only bounds how long the caller waits; the shared load keeps running.
func (c *Cache) Refresh(ctx context.Context) error {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return nil, c.load()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) load() error {
	ctx := c.loadContext()
	start := c.now()

	snap, err := c.loader.Load(ctx)
	if err == nil && snap == nil {
		err = errors.New("loader returned no snapshot")
	}
	if err == nil && snap.Len() == 0 && c.snap.Load().Len() > 0 {
		err = ErrEmptySnapshot
	}

	c.mu.Lock()
	c.lastAttempt = start
	if err != nil {
		c.lastErr = err
		c.failures++
	} else {
		c.lastErr = nil
		c.successes++
	}
	c.mu.Unlock()

	if err != nil {
		entry := c.logger.WithError(err)
		if c.snap.Load() != nil {
			entry.Warn("Catalog refresh failed, keeping previous snapshot")
		} else {
			entry.Error("Catalog refresh failed, no snapshot available")
		}
		return err
	}

	c.snap.Store(snap)
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.WithFields(logrus.Fields{
		"instruments": snap.Len(),
		"expiries":    len(snap.Expiries()),
		"duration":    c.now().Sub(start).Round(time.Millisecond),
	}).Info("Instrument snapshot refreshed")
	return nil
}

// loadContext is the lifecycle context while running so Stop aborts an
// in-flight download. Otherwise the loader's own timeouts bound the load.
func (c *Cache) loadContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// EnsureSnapshot returns the current snapshot. With none loaded it retries
// the load until ColdStartWait elapses, then fails with ErrUnavailable.
// A stale snapshot is served while a refresh runs in the background.
func (c *Cache) EnsureSnapshot(ctx context.Context) (*catalog.Snapshot, error) {
	if snap := c.snap.Load(); snap != nil {
		if c.isStale(snap) {
			c.refreshInBackground()
		}
		return snap, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ColdStartWait)
	defer cancel()

	for {
		err := c.Refresh(waitCtx)
		if snap := c.snap.Load(); snap != nil {
			return snap, nil
		}
		if err != nil && waitCtx.Err() == nil {
			c.logger.WithError(err).WithField("retry_in", c.cfg.ColdStartRetry).
				Warn("No instrument snapshot yet, retrying")
		}

		timer := time.NewTimer(c.cfg.ColdStartRetry)
		select {
		case <-c.ready:
			timer.Stop()
			return c.snap.Load(), nil
		case <-waitCtx.Done():
			timer.Stop()
			return nil, c.unavailable()
		case <-timer.C:
		}
	}
}

func (c *Cache) unavailable() error {
	c.mu.Lock()
	cause := c.lastErr
	c.mu.Unlock()
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, cause)
	}
	return ErrUnavailable
}

func (c *Cache) isStale(snap *catalog.Snapshot) bool {
	return c.cfg.StaleAfter > 0 && c.now().Sub(snap.LoadedAt()) > c.cfg.StaleAfter
}

func (c *Cache) refreshInBackground() {
	if !c.background.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("Instrument snapshot is stale, refreshing in background")
	go func() {
		defer c.background.Store(false)
		_ = c.Refresh(context.Background())
	}()
}

// Start loads immediately in the background and then every RefreshInterval
// until Stop or ctx is canceled.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, c.done)

	c.logger.WithField("interval", c.cfg.RefreshInterval).Info("Instrument cache started")
	return nil
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	_ = c.Refresh(ctx)

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Stop ends scheduled refreshes and waits for the loop to exit. The last
// snapshot stays readable. Stop on a stopped cache is a no-op.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.runCtx = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("Instrument cache stopped")
}

// Status reports the snapshot and refresh counters.
func (c *Cache) Status() Status {
	snap := c.snap.Load()

	c.mu.Lock()
	st := Status{
		Running:     c.cancel != nil,
		LastAttempt: c.lastAttempt,
		Successes:   c.successes,
		Failures:    c.failures,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	if snap != nil {
		st.Ready = true
		st.Underlying = snap.Underlying()
		st.Instruments = snap.Len()
		st.Expiries = snap.Expiries()
		st.LoadedAt = snap.LoadedAt()
		st.Stale = c.isStale(snap)
	}
	return st
}
