package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/channel"
	"github.com/szibis/insights-go/internal/contracts"
	"github.com/szibis/insights-go/internal/sampling"
	"github.com/szibis/insights-go/internal/stats"
)

var testNow = time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC)

type recordingChannel struct {
	mu      sync.Mutex
	items   []*buffer.Item
	err     error
	flushed int
	closed  bool
}

func (r *recordingChannel) Submit(it *buffer.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items = append(r.items, it)
	return nil
}

func (r *recordingChannel) Flush(context.Context) error {
	r.mu.Lock()
	r.flushed++
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Close(time.Duration) channel.CloseResult {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return channel.CloseResult{}
}

// envelope decodes the i-th submitted payload into a generic map.
func (r *recordingChannel) envelope(t *testing.T, i int) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.items) {
		t.Fatalf("only %d items submitted", len(r.items))
	}
	var m map[string]any
	if err := json.Unmarshal(r.items[i].Payload, &m); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	return m
}

func newTestClient() (*Client, *recordingChannel) {
	ch := &recordingChannel{}
	return NewClient("ikey-1", ch, WithNow(func() time.Time { return testNow })), ch
}

func baseData(m map[string]any) map[string]any {
	return m["data"].(map[string]any)["baseData"].(map[string]any)
}

func TestTrackEventEnvelope(t *testing.T) {
	c, ch := newTestClient()
	c.Context().SetTag(contracts.TagCloudRole, "checkout")
	c.Context().SetProperty("env", "prod")

	ev := NewEvent("order placed")
	ev.SetProperty("region", "eu")
	ev.Measurements = Measurements{"total": 42.5}
	if err := c.Track(ev); err != nil {
		t.Fatalf("Track: %v", err)
	}

	m := ch.envelope(t, 0)
	if m["name"] != contracts.EventName || m["iKey"] != "ikey-1" {
		t.Errorf("name/iKey = %v/%v", m["name"], m["iKey"])
	}
	if m["time"] != "2026-03-01T12:30:45.123Z" {
		t.Errorf("time = %v", m["time"])
	}
	if m["data"].(map[string]any)["baseType"] != contracts.EventBaseType {
		t.Errorf("baseType = %v", m["data"])
	}
	tags := m["tags"].(map[string]any)
	if tags[contracts.TagCloudRole] != "checkout" || tags[contracts.TagInternalSDKVersion] != SDKVersion {
		t.Errorf("tags = %v", tags)
	}
	bd := baseData(m)
	props := bd["properties"].(map[string]any)
	if props["env"] != "prod" || props["region"] != "eu" {
		t.Errorf("properties = %v", props)
	}
	if bd["measurements"].(map[string]any)["total"] != 42.5 {
		t.Errorf("measurements = %v", bd["measurements"])
	}
	if ch.items[0].Kind != "event" {
		t.Errorf("kind = %q", ch.items[0].Kind)
	}
}

func TestItemValuesOverrideContext(t *testing.T) {
	c, ch := newTestClient()
	c.Context().SetTag(contracts.TagUserID, "ctx-user")
	c.Context().SetProperty("source", "ctx")

	tr := NewTrace("hello", contracts.Warning)
	tr.SetTag(contracts.TagUserID, "item-user")
	tr.SetProperty("source", "item")
	if err := c.Track(tr); err != nil {
		t.Fatal(err)
	}

	m := ch.envelope(t, 0)
	if got := m["tags"].(map[string]any)[contracts.TagUserID]; got != "item-user" {
		t.Errorf("user tag = %v", got)
	}
	bd := baseData(m)
	if bd["properties"].(map[string]any)["source"] != "item" || bd["severityLevel"] != "Warning" {
		t.Errorf("baseData = %v", bd)
	}

	// The context itself is untouched.
	if c.Context().Tags()[contracts.TagUserID] != "ctx-user" {
		t.Error("item tag leaked into the context")
	}
}

func TestContextEmptyValueRemoves(t *testing.T) {
	ctx := NewContext("k")
	ctx.SetProperty("a", "1")
	ctx.SetProperty("a", "")
	ctx.SetTag(contracts.TagDeviceOSVersion, "")
	if len(ctx.Properties()) != 0 {
		t.Errorf("properties = %v", ctx.Properties())
	}
	if _, ok := ctx.Tags()[contracts.TagDeviceOSVersion]; ok {
		t.Error("os tag not removed")
	}
}

func TestExplicitTimestampKept(t *testing.T) {
	c, ch := newTestClient()
	m := NewMetric("queue_depth", 7)
	m.Timestamp = time.Date(2025, 12, 31, 23, 59, 59, 0, time.FixedZone("CET", 3600))
	if err := c.Track(m); err != nil {
		t.Fatal(err)
	}
	env := ch.envelope(t, 0)
	if env["time"] != "2025-12-31T22:59:59.000Z" {
		t.Errorf("time = %v", env["time"])
	}
	point := baseData(env)["metrics"].([]any)[0].(map[string]any)
	if point["name"] != "queue_depth" || point["value"] != 7.0 || point["count"] != 1.0 || point["kind"] != "Measurement" {
		t.Errorf("data point = %v", point)
	}
}

func TestTrackDoesNotStampItem(t *testing.T) {
	ch := &recordingChannel{}
	now := testNow
	c := NewClient("ikey-1", ch, WithNow(func() time.Time { return now }))

	ev := NewEvent("reused")
	if err := c.Track(ev); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if err := c.Track(ev); err != nil {
		t.Fatal(err)
	}
	if !ev.Timestamp.IsZero() {
		t.Fatalf("item timestamp set to %v", ev.Timestamp)
	}
	if got := ch.envelope(t, 1)["time"]; got != "2026-03-01T12:31:45.123Z" {
		t.Errorf("second time = %v", got)
	}

	// a shared item may be tracked from many goroutines
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Track(ev); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestDisabledClientDiscards(t *testing.T) {
	c, ch := newTestClient()
	c.SetEnabled(false)
	if c.IsEnabled() {
		t.Fatal("still enabled")
	}
	if err := c.TrackEvent("ignored"); err != nil {
		t.Fatal(err)
	}
	if len(ch.items) != 0 {
		t.Fatalf("disabled client submitted %d items", len(ch.items))
	}

	c.SetEnabled(true)
	_ = c.TrackEvent("kept")
	if len(ch.items) != 1 {
		t.Fatalf("got %d items after re-enabling", len(ch.items))
	}
}

func TestTrackWrapsSubmitError(t *testing.T) {
	c, ch := newTestClient()
	ch.err = channel.ErrClosed
	err := c.TrackMetric("m", 1)
	if !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if !strings.Contains(err.Error(), "metric m") {
		t.Errorf("error %q does not name the item", err)
	}
}

func TestFlushAndCloseDelegate(t *testing.T) {
	c, ch := newTestClient()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close(time.Second)
	if ch.flushed != 1 || !ch.closed {
		t.Fatalf("flushed=%d closed=%v", ch.flushed, ch.closed)
	}
}

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		code    string
		wantURL string
		success bool
	}{
		{"ok", "https://shop.example/cart?id=1#top", "200", "https://shop.example/cart", true},
		{"unauthorized counts as success", "https://shop.example/login", "401", "https://shop.example/login", true},
		{"client error", "https://u:p@shop.example/x", "404", "https://shop.example/x", false},
		{"server error", "/relative", "503", "/relative", false},
		{"non-numeric", "/grpc", "OK", "/grpc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRequest("GET", tt.url, 1500*time.Millisecond, tt.code)
			if r.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", r.URL, tt.wantURL)
			}
			if r.Name != "GET "+tt.wantURL || r.Tags[contracts.TagOperationName] != r.Name {
				t.Errorf("name = %q, tags = %v", r.Name, r.Tags)
			}
			if r.IsSuccess() != tt.success {
				t.Errorf("IsSuccess = %v, want %v", r.IsSuccess(), tt.success)
			}
			if r.ID == "" {
				t.Error("missing id")
			}
		})
	}

	r := NewRequest("POST", "/x", 0, "500")
	ok := true
	r.Success = &ok
	if !r.IsSuccess() {
		t.Error("explicit Success ignored")
	}
}

func TestRequestEnvelopeDuration(t *testing.T) {
	c, ch := newTestClient()
	if err := c.TrackRequest("GET", "/health", 90*time.Minute+1500*time.Millisecond, "200"); err != nil {
		t.Fatal(err)
	}
	bd := baseData(ch.envelope(t, 0))
	if bd["duration"] != "0.01:30:01.5000000" || bd["success"] != true {
		t.Errorf("baseData = %v", bd)
	}
}

func TestRemoteDependencyAndAvailability(t *testing.T) {
	c, ch := newTestClient()
	if err := c.TrackRemoteDependency("SELECT", "SQL", "db:5432", time.Second, false); err != nil {
		t.Fatal(err)
	}
	if err := c.TrackAvailability("ping", 2*time.Second, true); err != nil {
		t.Fatal(err)
	}

	dep := ch.envelope(t, 0)
	if dep["name"] != contracts.RemoteDependencyName {
		t.Errorf("name = %v", dep["name"])
	}
	if bd := baseData(dep); bd["type"] != "SQL" || bd["target"] != "db:5432" || bd["success"] != false {
		t.Errorf("dependency = %v", bd)
	}
	av := ch.envelope(t, 1)
	if bd := baseData(av); bd["name"] != "ping" || bd["duration"] != "0.00:00:02.0000000" {
		t.Errorf("availability = %v", bd)
	}
}

type codeError struct{ code int }

func (e *codeError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestNewExceptionUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("load config: %w", &codeError{code: 7})
	e := NewException(err)

	if len(e.Exceptions) != 2 {
		t.Fatalf("got %d details, want 2", len(e.Exceptions))
	}
	outer, inner := e.Exceptions[0], e.Exceptions[1]
	if outer.ID != 1 || outer.OuterID != 0 || outer.Message != "load config: code 7" {
		t.Errorf("outer = %+v", outer)
	}
	if inner.ID != 2 || inner.OuterID != 1 || inner.TypeName != "*telemetry.codeError" {
		t.Errorf("inner = %+v", inner)
	}
	if len(outer.ParsedStack) == 0 {
		t.Fatal("no stack captured")
	}
	if top := outer.ParsedStack[0]; top.Method != "TestNewExceptionUnwrapsChain" || !strings.HasSuffix(top.Assembly, "internal/telemetry") {
		t.Errorf("top frame = %+v", top)
	}
	if e.Severity != contracts.Error {
		t.Errorf("severity = %s", e.Severity)
	}
}

func TestTrackException(t *testing.T) {
	c, ch := newTestClient()
	if err := c.TrackException(io.ErrUnexpectedEOF); err != nil {
		t.Fatal(err)
	}
	m := ch.envelope(t, 0)
	if m["name"] != contracts.ExceptionName {
		t.Fatalf("name = %v", m["name"])
	}
	details := baseData(m)["exceptions"].([]any)
	first := details[0].(map[string]any)
	if first["typeName"] != "*errors.errorString" || first["message"] != "unexpected EOF" {
		t.Errorf("details = %v", first)
	}
	frame := first["parsedStack"].([]any)[0].(map[string]any)
	if frame["method"] != "TestTrackException" {
		t.Errorf("top frame = %v", frame)
	}
}

func TestSplitFunction(t *testing.T) {
	tests := []struct{ in, pkg, method string }{
		{"github.com/a/b.(*T).M", "github.com/a/b", "(*T).M"},
		{"main.main", "main", "main"},
		{"github.com/a/b.F.func1", "github.com/a/b", "F.func1"},
		{"weird", "", "weird"},
	}
	for _, tt := range tests {
		pkg, method := splitFunction(tt.in)
		if pkg != tt.pkg || method != tt.method {
			t.Errorf("splitFunction(%q) = %q, %q", tt.in, pkg, method)
		}
	}
}

func TestStatsAddData(t *testing.T) {
	tests := []struct {
		name             string
		values           []float64
		stdDev, min, max float64
	}{
		{"empty", nil, 0, 0, 0},
		{"single zero", []float64{0}, 0, 0, 0},
		{"single value", []float64{50}, 0, 50, 50},
		{"two equal", []float64{50, 50}, 0, 50, 50},
		{"two different", []float64{50, 60}, 5, 50, 60},
		{"several", []float64{9, 10, 11, 7, 13}, 2, 7, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Stats
			s.AddData(tt.values...)
			var sum float64
			for _, v := range tt.values {
				sum += v
			}
			if s.Count != len(tt.values) || s.Value != sum || s.Min != tt.min || s.Max != tt.max {
				t.Errorf("stats = %+v", s)
			}
			if math.Abs(s.StdDev-tt.stdDev) > 1e-9 {
				t.Errorf("StdDev = %v, want %v", s.StdDev, tt.stdDev)
			}
		})
	}
}

func TestStatsIncremental(t *testing.T) {
	var once, parts Stats
	once.AddData(9, 10, 11, 7, 13)
	parts.AddData(9, 10)
	parts.AddData(11)
	parts.AddData(7, 13)

	if parts.Count != once.Count || parts.Min != once.Min || parts.Max != once.Max || parts.Value != once.Value {
		t.Fatalf("incremental = %+v, batch = %+v", parts, once)
	}
	if math.Abs(parts.StdDev-once.StdDev) > 1e-9 {
		t.Fatalf("StdDev incremental %v, batch %v", parts.StdDev, once.StdDev)
	}
}

func TestStatsAddSampledData(t *testing.T) {
	var s Stats
	s.AddSampledData(50)
	if s.StdDev != 0 {
		t.Fatalf("single sample StdDev = %v", s.StdDev)
	}

	s = Stats{}
	s.AddSampledData(9, 10, 11, 7, 13)
	// Sample variance of the set is 20/4.
	if want := math.Sqrt(5); math.Abs(s.StdDev-want) > 1e-9 {
		t.Fatalf("StdDev = %v, want %v", s.StdDev, want)
	}
}

func TestAggregateMetricEnvelope(t *testing.T) {
	c, ch := newTestClient()
	m := NewAggregateMetric("latency_ms")
	m.Stats.AddData(10, 20, 30)
	if err := c.Track(m); err != nil {
		t.Fatal(err)
	}
	point := baseData(ch.envelope(t, 0))["metrics"].([]any)[0].(map[string]any)
	if point["kind"] != "Aggregation" || point["value"] != 60.0 || point["count"] != 3.0 ||
		point["min"] != 10.0 || point["max"] != 30.0 {
		t.Errorf("data point = %v", point)
	}
}

func TestNameTrackerSeesEachNameOnce(t *testing.T) {
	ch := &recordingChannel{}
	names := stats.NewNameTracker(100)
	c := NewClient("k", ch, WithNameTracker(names))

	for i := 0; i < 3; i++ {
		_ = c.TrackEvent("signup")
		_ = c.TrackMetric("signup", 1)
		_ = c.TrackTrace(fmt.Sprintf("line %d", i), contracts.Information)
	}
	if got := names.Estimate(); got != 2 {
		t.Fatalf("distinct names = %d, want 2", got)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		item Telemetry
		want string
	}{
		{NewEvent("e"), "event e"},
		{NewTrace("secret", contracts.Verbose), "trace"},
		{NewRemoteDependency("GET /x", "HTTP", "api", 0, true), "dependency GET /x"},
		{NewException(errors.New("boom")), "exception *errors.errorString"},
	}
	for _, tt := range tests {
		if got := String(tt.item); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSamplerStampsRate(t *testing.T) {
	s, err := sampling.New(sampling.FileConfig{DefaultRate: 0.5, Strategy: sampling.StrategyHead}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ch := &recordingChannel{}
	c := NewClient("k", ch, WithSampler(s))

	for i := 0; i < 4; i++ {
		if err := c.TrackEvent("click"); err != nil {
			t.Fatal(err)
		}
	}
	_ = c.TrackMetric("cpu", 0.7)

	if len(ch.items) != 3 {
		t.Fatalf("submitted %d items, want 2 events and 1 metric", len(ch.items))
	}
	if rate := ch.envelope(t, 0)["sampleRate"]; rate != 50.0 {
		t.Errorf("event sampleRate = %v, want 50", rate)
	}
	if rate := ch.envelope(t, 2)["sampleRate"]; rate != 100.0 {
		t.Errorf("metric sampleRate = %v, want 100", rate)
	}
}
