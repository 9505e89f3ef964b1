// Package channel is the telemetry channel: a bounded buffer fed by any
// number of producers and drained by one background worker that batches,
// transmits and retries.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/clock"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/retry"
	"github.com/szibis/insights-go/internal/spool"
	"github.com/szibis/insights-go/internal/stats"
	"github.com/szibis/insights-go/internal/transmitter"
)

// ErrClosed is returned by Submit and Flush after Close.
var ErrClosed = errors.New("channel: closed")

const flushKey = "flush"

// CloseResult reports how shutdown went. Close never fails; items that
// could not be delivered in time are counted here.
type CloseResult struct {
	Delivered int
	Dropped   int
	// Abandoned items were still buffered at the deadline and discarded.
	Abandoned int
	// Spooled items were still buffered at the deadline and written to the
	// spool instead.
	Spooled  int
	TimedOut bool
}

// Option customizes a Channel.
type Option func(*options)

type options struct {
	clock clock.Clock
	rand  retry.Rand
}

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithRand replaces the jitter source, for tests.
func WithRand(r retry.Rand) Option { return func(o *options) { o.rand = r } }

// Channel accepts serialized telemetry and delivers it in the background.
type Channel struct {
	cfg   Config
	buf   *buffer.Buffer
	coord *retry.Coordinator
	clock clock.Clock
	stats *stats.Recorder
	spool *spool.Spool

	// mu orders Submit against Close so nothing lands in the buffer after
	// the worker has started its final drain.
	mu     sync.RWMutex
	closed bool

	highWater chan struct{}
	flushReq  chan chan struct{}
	closing   chan struct{}
	done      chan struct{}

	// sendCtx bounds transmissions; it is cancelled at the close deadline.
	sendCtx    context.Context
	cancelSend context.CancelFunc

	flights     singleflight.Group
	closeOnce   sync.Once
	deadline    time.Time
	closeResult CloseResult
	lastEvicted uint64
}

// New validates cfg, restores any spooled items and starts the worker.
func New(cfg Config, tx transmitter.Transmitter, opts ...Option) (*Channel, error) {
	if tx == nil {
		return nil, errors.New("channel: nil transmitter")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	o := options{clock: clock.Real(), rand: retry.DefaultRand()}
	for _, opt := range opts {
		opt(&o)
	}

	buf := buffer.New(cfg.Capacity)
	policy := retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     retry.DefaultJitter,
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:        cfg,
		buf:        buf,
		coord:      retry.New(tx, buf, policy, o.clock, o.rand),
		clock:      o.clock,
		stats:      stats.NewRecorder(),
		highWater:  make(chan struct{}, 1),
		flushReq:   make(chan chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		sendCtx:    ctx,
		cancelSend: cancel,
	}
	if cfg.SpoolPath != "" {
		c.spool = spool.New(cfg.SpoolPath, cfg.SpoolCompress)
		c.restore()
	}

	go c.run()

	logging.Info("telemetry channel started", logging.F(
		"capacity", cfg.Capacity,
		"flush_interval", cfg.FlushInterval.String(),
		"max_batch_items", cfg.MaxBatchItems,
		"max_retries", cfg.MaxRetries,
	))
	return c, nil
}

// Submit buffers one item. It never blocks on the network; when the
// buffer is full the oldest item is evicted.
func (c *Channel) Submit(it *buffer.Item) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	evicted := c.buf.Push(it)
	c.stats.Submitted(it.Kind)
	c.stats.Evicted(evicted)

	// Items in backoff do not count: they wait for their own deadline.
	if c.buf.Fresh() >= c.cfg.MaxBatchItems {
		select {
		case c.highWater <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush runs one drain-and-send cycle on the worker and waits for it.
// Callers that arrive before the worker picks up a request share it; a
// caller arriving after that waits for the next cycle.
func (c *Channel) Flush(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	ch := c.flights.DoChan(flushKey, func() (any, error) {
		done := make(chan struct{})
		select {
		case c.flushReq <- done:
		case <-c.closing:
			return nil, ErrClosed
		}
		select {
		case <-done:
			return nil, nil
		case <-c.done:
			return nil, ErrClosed
		}
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items, tries to deliver what is buffered until
// timeout elapses and stops the worker. Later calls return the first
// call's result.
func (c *Channel) Close(timeout time.Duration) CloseResult {
	c.closeOnce.Do(func() {
		if timeout < 0 {
			timeout = 0
		}
		c.mu.Lock()
		c.closed = true
		c.deadline = c.clock.Now().Add(timeout)
		c.mu.Unlock()

		expired := c.clock.After(timeout)
		go func() {
			select {
			case <-expired:
				c.cancelSend()
			case <-c.done:
			}
		}()

		close(c.closing)
		<-c.done
	})
	return c.closeResult
}

// Shutdown is Close with the configured drain timeout.
func (c *Channel) Shutdown() CloseResult {
	return c.Close(c.cfg.DrainTimeout)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() stats.Snapshot {
	s := c.stats.Snapshot()
	s.Buffered = c.buf.Len()
	return s
}

// Ready reports an error once the channel is closed or its buffer is full.
func (c *Channel) Ready() error {
	if c.isClosed() {
		return ErrClosed
	}
	if n := c.buf.Len(); n >= c.buf.Capacity() {
		return fmt.Errorf("channel buffer full (%d items)", n)
	}
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// restore moves spooled items into the buffer and removes the spool.
func (c *Channel) restore() {
	items, corrupt, err := c.spool.Load()
	if err != nil {
		logging.Warn("failed to load telemetry spool", logging.F("path", c.spool.Path(), "error", err.Error()))
		return
	}
	for _, it := range items {
		c.stats.Evicted(c.buf.Push(it))
	}
	c.stats.Restored(len(items))
	c.stats.Dropped(stats.ReasonSpoolCorrupt, corrupt)
	if err := c.spool.Remove(); err != nil {
		logging.Warn("failed to remove telemetry spool", logging.F("path", c.spool.Path(), "error", err.Error()))
	}
	if len(items) > 0 || corrupt > 0 {
		logging.Info("restored telemetry from spool", logging.F("items", len(items), "corrupt", corrupt))
	}
}
