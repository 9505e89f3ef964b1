// Package telemetry builds envelopes from typed telemetry items and hands
// them to a channel.
package telemetry

import (
	"maps"
	"runtime"
	"sync"

	"github.com/szibis/insights-go/internal/contracts"
)

// SDKVersion is reported in the ai.internal.sdkVersion tag.
var SDKVersion = "go:dev"

// Context carries the instrumentation key and the tags and properties
// common to every item tracked through one client.
type Context struct {
	ikey string

	mu         sync.RWMutex
	tags       map[string]string
	properties map[string]string
}

// NewContext returns a context for ikey with the SDK and OS tags set.
func NewContext(ikey string) *Context {
	return &Context{
		ikey: ikey,
		tags: map[string]string{
			contracts.TagInternalSDKVersion: SDKVersion,
			contracts.TagDeviceOSVersion:    runtime.GOOS,
		},
		properties: map[string]string{},
	}
}

// InstrumentationKey returns the key stamped on every envelope.
func (c *Context) InstrumentationKey() string { return c.ikey }

// SetTag sets a common tag; an empty value removes it.
func (c *Context) SetTag(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.tags, key)
		return
	}
	c.tags[key] = value
}

// SetProperty sets a common property; an empty value removes it.
func (c *Context) SetProperty(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.properties, key)
		return
	}
	c.properties[key] = value
}

// Tags returns a copy of the common tags.
func (c *Context) Tags() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.tags)
}

// Properties returns a copy of the common properties.
func (c *Context) Properties() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.properties)
}

// Envelope wraps t in an envelope. Item tags and properties win over the
// context's.
func (c *Context) Envelope(t Telemetry) contracts.Envelope {
	common := t.common()

	c.mu.RLock()
	tags := merge(c.tags, common.Tags)
	props := merge(c.properties, common.Properties)
	c.mu.RUnlock()

	name, baseType, baseData := t.data(props)
	return contracts.Envelope{
		Ver:        1,
		Name:       name,
		Time:       contracts.FormatTime(common.Timestamp),
		SampleRate: 100,
		IKey:       c.ikey,
		Tags:       tags,
		Data:       &contracts.Data{BaseType: baseType, BaseData: baseData},
	}
}

func merge(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
