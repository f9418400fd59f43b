package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pkt.systems/tabkeeper/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pidHandle int

func (p pidHandle) PID() int { return int(p) }

type scriptedSampler struct {
	mu      sync.Mutex
	calls   map[schema.TabID]int
	fail    map[schema.TabID]error
	gate    chan struct{}
	entered chan schema.TabID
}

func (s *scriptedSampler) Sample(ctx context.Context, tabID schema.TabID, _ Handle) (schema.ResourceSample, error) {
	if s.entered != nil {
		select {
		case s.entered <- tabID:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return schema.ResourceSample{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[schema.TabID]int)
	}
	s.calls[tabID]++
	if err := s.fail[tabID]; err != nil {
		return schema.ResourceSample{}, err
	}
	return schema.ResourceSample{CPUUsage: 12.5, MemoryUsage: 4096}, nil
}

func (s *scriptedSampler) count(tabID schema.TabID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tabID]
}

type sinkRecorder struct {
	ch chan schema.ResourceSample
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan schema.ResourceSample, 64)}
}

func (r *sinkRecorder) sink(sample schema.ResourceSample) {
	select {
	case r.ch <- sample:
	default:
	}
}

func (r *sinkRecorder) next(t *testing.T) schema.ResourceSample {
	t.Helper()
	select {
	case sample := <-r.ch:
		return sample
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sample")
		return schema.ResourceSample{}
	}
}

func newTestMonitor(t *testing.T, sampler Sampler, sink Sink, enabled bool) *Monitor {
	t.Helper()
	m, err := New(sampler, sink, Config{Interval: 5 * time.Millisecond, Enabled: enabled}, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestMonitorDeliversSamplesForWatchedTab(t *testing.T) {
	rec := newSinkRecorder()
	m := newTestMonitor(t, &scriptedSampler{}, rec.sink, true)
	m.Watch("a", pidHandle(1))
	sample := rec.next(t)
	if sample.TabID != "a" || sample.CPUUsage != 12.5 || sample.MemoryUsage != 4096 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if sample.At.IsZero() {
		t.Fatalf("expected sample timestamp")
	}
}

func TestMonitorDisabledDoesNotSample(t *testing.T) {
	sampler := &scriptedSampler{}
	rec := newSinkRecorder()
	m := newTestMonitor(t, sampler, rec.sink, false)
	m.Watch("a", pidHandle(1))
	time.Sleep(30 * time.Millisecond)
	if sampler.count("a") != 0 {
		t.Fatalf("expected no samples while disabled")
	}
	if !m.Watching("a") || m.Running() != 0 {
		t.Fatalf("expected a registered but idle watch")
	}
	m.SetEnabled(true)
	rec.next(t)
	m.SetEnabled(false)
	if m.Running() != 0 {
		t.Fatalf("expected loops stopped after disable")
	}
}

func TestMonitorUnwatchDiscardsInFlightSample(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan schema.TabID, 1)
	sampler := &scriptedSampler{gate: gate, entered: entered}
	var (
		mu        sync.Mutex
		delivered int
	)
	m := newTestMonitor(t, sampler, func(schema.ResourceSample) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}, true)
	m.Watch("a", pidHandle(1))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("sampler never ran")
	}
	m.Unwatch("a")
	close(gate)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("expected in-flight sample to be discarded, got %d deliveries", delivered)
	}
}

func TestMonitorErrorsDoNotAffectOtherTabs(t *testing.T) {
	sampler := &scriptedSampler{fail: map[schema.TabID]error{"bad": errors.New("gone")}}
	rec := newSinkRecorder()
	m := newTestMonitor(t, sampler, rec.sink, true)
	m.Watch("bad", pidHandle(1))
	m.Watch("good", pidHandle(2))
	for range 3 {
		if sample := rec.next(t); sample.TabID != "good" {
			t.Fatalf("unexpected sample for %s", sample.TabID)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for sampler.count("bad") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sampler.count("bad") == 0 {
		t.Fatalf("expected failing tab to keep being sampled")
	}
}

func TestMonitorStreamClosesOnCancel(t *testing.T) {
	m := newTestMonitor(t, &scriptedSampler{}, func(schema.ResourceSample) {}, false)
	ctx, cancel := context.WithCancel(context.Background())
	stream := m.Stream(ctx, "a", pidHandle(1))
	select {
	case sample := <-stream:
		if sample.TabID != "a" {
			t.Fatalf("unexpected sample %+v", sample)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream sample")
	}
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("stream not closed after cancel")
		}
	}
}

func writeProc(t *testing.T, root string, pid int, utime, stime, rssPages int) {
	t.Helper()
	dir := filepath.Join(root, itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stat := itoa(pid) + " (my (odd) proc) S 1 1 1 0 -1 4194304 100 0 0 0 " + itoa(utime) + " " + itoa(stime) + " 0 0 20 0 1 0 100 1000 10\n"
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
	statm := "1000 " + itoa(rssPages) + " 10 1 0 100 0\n"
	if err := os.WriteFile(filepath.Join(dir, "statm"), []byte(statm), 0o644); err != nil {
		t.Fatalf("write statm: %v", err)
	}
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

func TestProcSamplerComputesDeltaAndRSS(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sampler := &ProcSampler{Root: root, Now: func() time.Time { return now }}
	writeProc(t, root, 42, 100, 50, 256)
	first, err := sampler.Sample(context.Background(), "a", pidHandle(42))
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if first.CPUUsage != 0 {
		t.Fatalf("expected zero cpu on first sample, got %v", first.CPUUsage)
	}
	if first.MemoryUsage != 256*int64(os.Getpagesize()) {
		t.Fatalf("unexpected rss %d", first.MemoryUsage)
	}
	// 50 ticks over 1s is 0.5s of CPU.
	now = now.Add(time.Second)
	writeProc(t, root, 42, 130, 70, 256)
	second, err := sampler.Sample(context.Background(), "a", pidHandle(42))
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if second.CPUUsage < 49.9 || second.CPUUsage > 50.1 {
		t.Fatalf("expected ~50%% cpu, got %v", second.CPUUsage)
	}
	sampler.Forget("a")
	third, err := sampler.Sample(context.Background(), "a", pidHandle(42))
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if third.CPUUsage != 0 {
		t.Fatalf("expected baseline reset after Forget, got %v", third.CPUUsage)
	}
}

func TestProcSamplerNoProcess(t *testing.T) {
	sampler := &ProcSampler{Root: t.TempDir()}
	if _, err := sampler.Sample(context.Background(), "a", pidHandle(0)); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
	if _, err := sampler.Sample(context.Background(), "a", pidHandle(7)); err == nil {
		t.Fatalf("expected error for missing proc entry")
	}
}

type metricsHandle struct {
	pid     int
	metrics map[string]float64
}

func (h *metricsHandle) PID() int { return h.pid }

func (h *metricsHandle) PerformanceMetrics(context.Context) (map[string]float64, error) {
	return h.metrics, nil
}

func TestSurfaceSamplerUsesPerformanceMetrics(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	handle := &metricsHandle{metrics: map[string]float64{MetricTaskDuration: 1.0, MetricJSHeapUsedSize: 101_000_000}}
	auto := &AutoSampler{Proc: &ProcSampler{}, Surface: &SurfaceSampler{Now: func() time.Time { return now }}}
	first, err := auto.Sample(context.Background(), "a", handle)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if first.MemoryUsage != 101_000_000 || first.CPUUsage != 0 {
		t.Fatalf("unexpected first sample %+v", first)
	}
	now = now.Add(2 * time.Second)
	handle.metrics = map[string]float64{MetricTaskDuration: 1.8, MetricJSHeapUsedSize: 1}
	second, err := auto.Sample(context.Background(), "a", handle)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if second.CPUUsage < 39.9 || second.CPUUsage > 40.1 {
		t.Fatalf("expected ~40%% cpu, got %v", second.CPUUsage)
	}
}

func TestAutoSamplerFallsBackToProc(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 9, 1, 1, 3)
	auto := &AutoSampler{Proc: &ProcSampler{Root: root}, Surface: &SurfaceSampler{}}
	sample, err := auto.Sample(context.Background(), "a", pidHandle(9))
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if sample.MemoryUsage != 3*int64(os.Getpagesize()) {
		t.Fatalf("unexpected rss %d", sample.MemoryUsage)
	}
}

func TestAutoSamplerPrefersMetricsOverSharedProcess(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 9, 1, 1, 3)
	handle := &metricsHandle{pid: 9, metrics: map[string]float64{MetricTaskDuration: 0, MetricJSHeapUsedSize: 4096}}
	auto := &AutoSampler{Proc: &ProcSampler{Root: root}, Surface: &SurfaceSampler{}}
	sample, err := auto.Sample(context.Background(), "a", handle)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if sample.MemoryUsage != 4096 {
		t.Fatalf("expected heap size from metrics, got %d", sample.MemoryUsage)
	}
}
