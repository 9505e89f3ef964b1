package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/channel"
	"github.com/szibis/insights-go/internal/contracts"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/sampling"
	"github.com/szibis/insights-go/internal/stats"
)

// Channel is where the client hands serialized envelopes.
// *channel.Channel implements it.
type Channel interface {
	Submit(it *buffer.Item) error
	Flush(ctx context.Context) error
	Close(timeout time.Duration) channel.CloseResult
}

// Client tracks telemetry items through a Channel.
type Client struct {
	ctx     *Context
	ch      Channel
	now     func() time.Time
	names   *stats.NameTracker
	sampler *sampling.Sampler

	enabled atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithNow sets the source of default item timestamps.
func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithNameTracker counts distinct item names and logs first sightings at
// debug level.
func WithNameTracker(t *stats.NameTracker) ClientOption {
	return func(c *Client) { c.names = t }
}

// WithSampler drops items the sampler rejects and stamps the sample rate
// on the rest.
func WithSampler(s *sampling.Sampler) ClientOption {
	return func(c *Client) { c.sampler = s }
}

// NewClient returns an enabled client for ikey writing to ch.
func NewClient(ikey string, ch Channel, opts ...ClientOption) *Client {
	c := &Client{ctx: NewContext(ikey), ch: ch, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.enabled.Store(true)
	return c
}

// Context returns the tags and properties applied to every item.
func (c *Client) Context() *Context { return c.ctx }

// SetEnabled turns tracking on or off. A disabled client discards items.
func (c *Client) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// IsEnabled reports whether items are being tracked.
func (c *Client) IsEnabled() bool { return c.enabled.Load() }

// Track serializes t and submits it. An item without a timestamp is sent
// with the current time; t itself is never modified.
func (c *Client) Track(t Telemetry) error {
	if !c.enabled.Load() {
		return nil
	}
	kind, name := describe(t)
	if c.names != nil && name != "" && c.names.Observe(kind, name) {
		logging.Debug("new telemetry name", logging.F("kind", kind, "name", name))
	}

	env := c.ctx.Envelope(t)
	if t.common().Timestamp.IsZero() {
		env.Time = contracts.FormatTime(c.now())
	}
	if c.sampler != nil {
		d := c.sampler.Decide(kind, name)
		if !d.Keep {
			return nil
		}
		env.SampleRate = d.Rate * 100
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", String(t), err)
	}

	if err := c.ch.Submit(buffer.NewItem(payload, kind)); err != nil {
		return fmt.Errorf("failed to submit %s: %w", String(t), err)
	}
	return nil
}

// TrackEvent tracks a named event.
func (c *Client) TrackEvent(name string) error {
	return c.Track(NewEvent(name))
}

// TrackTrace tracks a log message.
func (c *Client) TrackTrace(message string, severity contracts.SeverityLevel) error {
	return c.Track(NewTrace(message, severity))
}

// TrackMetric tracks a single measurement.
func (c *Client) TrackMetric(name string, value float64) error {
	return c.Track(NewMetric(name, value))
}

// TrackRequest tracks a handled request.
func (c *Client) TrackRequest(method, url string, duration time.Duration, responseCode string) error {
	return c.Track(NewRequest(method, url, duration, responseCode))
}

// TrackRemoteDependency tracks an outgoing call.
func (c *Client) TrackRemoteDependency(name, dependencyType, target string, duration time.Duration, success bool) error {
	return c.Track(NewRemoteDependency(name, dependencyType, target, duration, success))
}

// TrackAvailability tracks an availability probe result.
func (c *Client) TrackAvailability(name string, duration time.Duration, success bool) error {
	return c.Track(NewAvailability(name, duration, success))
}

// TrackException tracks err with the caller's stack.
func (c *Client) TrackException(err error) error {
	return c.Track(newException(err, 4))
}

// Flush asks the channel to send what it holds.
func (c *Client) Flush(ctx context.Context) error { return c.ch.Flush(ctx) }

// Close closes the channel, waiting at most timeout for pending items.
func (c *Client) Close(timeout time.Duration) channel.CloseResult {
	return c.ch.Close(timeout)
}
