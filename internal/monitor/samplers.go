package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/tabkeeper/schema"
)

// userHZ is the kernel's exported clock tick rate for /proc CPU counters.
const userHZ = 100

type baseline struct {
	value float64
	at    time.Time
}

type baselines struct {
	mu   sync.Mutex
	last map[schema.TabID]baseline
}

// percent records value for tabID and returns the usage since the previous
// reading as a percentage of wall time. The first reading yields 0.
func (b *baselines) percent(tabID schema.TabID, value float64, at time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		b.last = make(map[schema.TabID]baseline)
	}
	prev, ok := b.last[tabID]
	b.last[tabID] = baseline{value: value, at: at}
	if !ok {
		return 0
	}
	wall := at.Sub(prev.at).Seconds()
	delta := value - prev.value
	if wall <= 0 || delta <= 0 {
		return 0
	}
	return delta / wall * 100
}

func (b *baselines) forget(tabID schema.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, tabID)
}

// ProcSampler reads CPU and resident memory from procfs.
type ProcSampler struct {
	// Root is the procfs mount point. Empty means /proc.
	Root string
	Now  func() time.Time

	cpu baselines
}

// Sample implements Sampler.
func (p *ProcSampler) Sample(ctx context.Context, tabID schema.TabID, handle Handle) (schema.ResourceSample, error) {
	if err := ctx.Err(); err != nil {
		return schema.ResourceSample{}, err
	}
	pid := handle.PID()
	if pid <= 0 {
		return schema.ResourceSample{}, ErrNoProcess
	}
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	dir := filepath.Join(root, strconv.Itoa(pid))
	ticks, err := readCPUTicks(filepath.Join(dir, "stat"))
	if err != nil {
		return schema.ResourceSample{}, err
	}
	rss, err := readResidentPages(filepath.Join(dir, "statm"))
	if err != nil {
		return schema.ResourceSample{}, err
	}
	now := p.now()
	return schema.ResourceSample{
		TabID:       tabID,
		CPUUsage:    p.cpu.percent(tabID, float64(ticks)/userHZ, now),
		MemoryUsage: rss * int64(unix.Getpagesize()),
		At:          now,
	}, nil
}

// Forget drops the CPU baseline for tabID.
func (p *ProcSampler) Forget(tabID schema.TabID) {
	p.cpu.forget(tabID)
}

func (p *ProcSampler) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// readCPUTicks returns utime+stime from /proc/<pid>/stat.
func readCPUTicks(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := string(data)
	// comm may contain spaces and parentheses; fields resume after the last ')'.
	end := strings.LastIndexByte(text, ')')
	if end < 0 {
		return 0, fmt.Errorf("parse %s: missing comm", path)
	}
	fields := strings.Fields(text[end+1:])
	// fields[0] is state (field 3); utime and stime are fields 14 and 15.
	if len(fields) < 13 {
		return 0, fmt.Errorf("parse %s: short stat line", path)
	}
	utime, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s utime: %w", path, err)
	}
	stime, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s stime: %w", path, err)
	}
	return utime + stime, nil
}

func readResidentPages(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("parse %s: short statm line", path)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s resident: %w", path, err)
	}
	return pages, nil
}

// MetricsHandle is a handle that reports engine performance counters.
type MetricsHandle interface {
	Handle
	PerformanceMetrics(ctx context.Context) (map[string]float64, error)
}

// DevTools performance metric names.
const (
	MetricTaskDuration   = "TaskDuration"
	MetricJSHeapUsedSize = "JSHeapUsedSize"
)

// SurfaceSampler derives usage from engine performance counters: CPU from
// the TaskDuration delta and memory from the used JS heap.
type SurfaceSampler struct {
	Now func() time.Time

	cpu baselines
}

// Sample implements Sampler.
func (s *SurfaceSampler) Sample(ctx context.Context, tabID schema.TabID, handle Handle) (schema.ResourceSample, error) {
	mh, ok := handle.(MetricsHandle)
	if !ok {
		return schema.ResourceSample{}, errors.New("surface does not report performance metrics")
	}
	metrics, err := mh.PerformanceMetrics(ctx)
	if err != nil {
		return schema.ResourceSample{}, fmt.Errorf("performance metrics: %w", err)
	}
	task, ok := metrics[MetricTaskDuration]
	if !ok {
		return schema.ResourceSample{}, fmt.Errorf("performance metrics: missing %s", MetricTaskDuration)
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	return schema.ResourceSample{
		TabID:       tabID,
		CPUUsage:    s.cpu.percent(tabID, task, now),
		MemoryUsage: int64(metrics[MetricJSHeapUsedSize]),
		At:          now,
	}, nil
}

// Forget drops the CPU baseline for tabID.
func (s *SurfaceSampler) Forget(tabID schema.TabID) {
	s.cpu.forget(tabID)
}

// AutoSampler uses engine metrics when the handle reports them and procfs otherwise.
type AutoSampler struct {
	Proc    *ProcSampler
	Surface *SurfaceSampler
}

// NewAutoSampler returns an AutoSampler with default samplers.
func NewAutoSampler() *AutoSampler {
	return &AutoSampler{Proc: &ProcSampler{}, Surface: &SurfaceSampler{}}
}

// Sample implements Sampler.
func (a *AutoSampler) Sample(ctx context.Context, tabID schema.TabID, handle Handle) (schema.ResourceSample, error) {
	if _, ok := handle.(MetricsHandle); ok && a.Surface != nil {
		return a.Surface.Sample(ctx, tabID, handle)
	}
	if a.Proc == nil {
		return schema.ResourceSample{}, ErrNoProcess
	}
	return a.Proc.Sample(ctx, tabID, handle)
}

// Forget drops baselines for tabID.
func (a *AutoSampler) Forget(tabID schema.TabID) {
	if a.Proc != nil {
		a.Proc.Forget(tabID)
	}
	if a.Surface != nil {
		a.Surface.Forget(tabID)
	}
}
