package channel

import (
	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/retry"
	"github.com/szibis/insights-go/internal/stats"
)

// run is the single worker. It owns the coordinator; every transmission
// happens on this goroutine.
func (c *Channel) run() {
	defer close(c.done)
	defer c.cancelSend()

	ticker := c.clock.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			c.closeResult = c.drainForClose()
			return
		case <-ticker.C:
			c.cycle(stats.TriggerInterval)
		case <-c.highWater:
			c.cycle(stats.TriggerHighWater)
		case done := <-c.flushReq:
			// Later Flush calls must not join a cycle whose target is
			// already fixed.
			c.flights.Forget(flushKey)
			c.cycle(stats.TriggerManual)
			close(done)
		}
	}
}

// cycle sends batches until the items that were buffered when it started
// have been through one attempt, or nothing eligible is left. Items added
// meanwhile wait for the next trigger.
func (c *Channel) cycle(trigger string) {
	target := c.buf.Len()
	var sizes []int
	var total retry.Result
	for sent := 0; sent < target; {
		batch := c.buf.Drain(c.clock.Now(), c.cfg.MaxBatchItems, c.cfg.MaxBatchBytes)
		if batch.Empty() {
			break
		}
		res := c.process(batch)
		sizes = append(sizes, batch.Len())
		total.Delivered += res.Delivered
		total.Requeued += res.Requeued
		sent += batch.Len()
	}
	c.stats.Flush(trigger, sizes...)
	c.logEvictions()

	if len(sizes) > 0 {
		logging.Debug("flush cycle complete", logging.F(
			"trigger", trigger,
			"batches", len(sizes),
			"delivered", total.Delivered,
			"requeued", total.Requeued,
			"buffered", c.buf.Len(),
		))
	}
}

// process hands one batch to the coordinator and records the outcome.
func (c *Channel) process(batch buffer.Batch) retry.Result {
	res := c.coord.Process(c.sendCtx, batch)
	c.stats.Delivered(res.Delivered)
	c.stats.Requeued(res.Requeued)
	for reason, n := range res.Dropped {
		c.stats.Dropped(string(reason), n)
	}
	return res
}

// drainForClose keeps sending until the buffer is empty or the close
// deadline passes, waiting out backoff delays that end before the
// deadline. Whatever is left is spooled or abandoned.
func (c *Channel) drainForClose() CloseResult {
	var result CloseResult
	var sizes []int
	deadline := c.deadline

	for c.buf.Len() > 0 {
		now := c.clock.Now()
		if !now.Before(deadline) {
			break
		}
		batch := c.buf.Drain(now, c.cfg.MaxBatchItems, c.cfg.MaxBatchBytes)
		if batch.Empty() {
			next, ok := c.buf.NextEligible()
			if !ok || !next.Before(deadline) {
				break
			}
			select {
			case <-c.clock.After(next.Sub(now)):
				continue
			case <-c.sendCtx.Done():
			}
			break
		}
		res := c.process(batch)
		sizes = append(sizes, batch.Len())
		result.Delivered += res.Delivered
		result.Dropped += res.DroppedTotal()
	}
	c.stats.Flush(stats.TriggerClose, sizes...)
	c.logEvictions()

	left := c.buf.Clear()
	if len(left) > 0 {
		result.TimedOut = true
		c.stash(left, &result)
	}

	logging.Info("telemetry channel closed", logging.F(
		"delivered", result.Delivered,
		"dropped", result.Dropped,
		"abandoned", result.Abandoned,
		"spooled", result.Spooled,
		"timed_out", result.TimedOut,
	))
	return result
}

// stash writes leftover items to the spool when one is configured and
// counts the rest as abandoned.
func (c *Channel) stash(left []*buffer.Item, result *CloseResult) {
	if c.spool != nil {
		n, err := c.spool.Save(left)
		result.Spooled = n
		c.stats.Spooled(n)
		if err != nil {
			logging.Error("failed to spool telemetry", logging.F(
				"path", c.spool.Path(),
				"saved", n,
				"error", err.Error(),
			))
		}
		left = left[n:]
	}
	result.Abandoned = len(left)
	c.stats.Abandoned(len(left))
}

func (c *Channel) logEvictions() {
	total := c.buf.Evicted()
	if total == c.lastEvicted {
		return
	}
	logging.Warn("telemetry buffer overflow, oldest items evicted", logging.F(
		"evicted", total-c.lastEvicted,
		"capacity", c.buf.Capacity(),
	))
	c.lastEvicted = total
}
