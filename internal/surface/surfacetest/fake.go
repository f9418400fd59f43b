// Package surfacetest provides in-memory surfaces for tests and dry runs.
package surfacetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/tabkeeper/internal/surface"
)

// Surface records every call and never touches a real engine.
type Surface struct {
	Name string

	mu           sync.Mutex
	listener     surface.Listener
	history      []string
	index        int
	calls        []string
	hibernated   bool
	cleaned      bool
	pid          int
	metrics      map[string]float64
	metricsErr   error
	loadErr      error
	hibernateErr error
	quiet        bool
}

// SetQuiet stops Load from invoking the listener.
func (s *Surface) SetQuiet(quiet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quiet = quiet
}

// NewSurface returns a fake surface at about:blank.
func NewSurface(name string, pid int) *Surface {
	return &Surface{Name: name, pid: pid, history: []string{surface.BlankURL}}
}

func (s *Surface) record(call string) {
	s.calls = append(s.calls, call)
}

// Calls returns the recorded call names in order.
func (s *Surface) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how often call was made.
func (s *Surface) CallCount(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

// URL returns the current page.
func (s *Surface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[s.index]
}

// Hibernated reports whether the engine is frozen.
func (s *Surface) Hibernated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hibernated
}

// Cleaned reports whether Cleanup ran.
func (s *Surface) Cleaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleaned
}

// Listener returns the bound listener.
func (s *Surface) Listener() surface.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// SetMetrics sets the values returned by PerformanceMetrics.
func (s *Surface) SetMetrics(metrics map[string]float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
	s.metricsErr = err
}

// FailLoads makes Load return err.
func (s *Surface) FailLoads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// FailHibernate makes Hibernate return err.
func (s *Surface) FailHibernate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hibernateErr = err
}

func (s *Surface) Load(_ context.Context, url string) error {
	s.mu.Lock()
	s.record("load")
	if s.loadErr != nil {
		err := s.loadErr
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.OnError(-1, err.Error(), url)
		}
		return err
	}
	s.history = append(s.history[:s.index+1], url)
	s.index = len(s.history) - 1
	l := s.listener
	if s.quiet {
		l = nil
	}
	s.mu.Unlock()
	if l != nil {
		l.OnNavigationStarted(url)
		l.OnProgress(100)
		l.OnNavigationFinished(url, "")
	}
	return nil
}

func (s *Surface) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("reload")
	return nil
}

func (s *Surface) CanGoBack(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index > 0, nil
}

func (s *Surface) CanGoForward(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index < len(s.history)-1, nil
}

func (s *Surface) GoBack(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("back")
	if s.index == 0 {
		return errors.New("no history entry to go back to")
	}
	s.index--
	return nil
}

func (s *Surface) GoForward(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("forward")
	if s.index >= len(s.history)-1 {
		return errors.New("no history entry to go forward to")
	}
	s.index++
	return nil
}

func (s *Surface) EvaluateScript(_ context.Context, js string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("evaluate")
	return fmt.Sprintf("%q", js), nil
}

func (s *Surface) Hibernate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("hibernate")
	if s.hibernateErr != nil {
		return s.hibernateErr
	}
	s.hibernated = true
	return nil
}

func (s *Surface) WakeUp(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("wake")
	s.hibernated = false
	return nil
}

func (s *Surface) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("reset")
	s.history = []string{surface.BlankURL}
	s.index = 0
	s.hibernated = false
	return nil
}

func (s *Surface) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("cleanup")
	s.cleaned = true
	s.listener = nil
	return nil
}

func (s *Surface) SetListener(l surface.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Surface) PID() int {
	return s.pid
}

// PerformanceMetrics returns the values set with SetMetrics.
func (s *Surface) PerformanceMetrics(context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsErr != nil {
		return nil, s.metricsErr
	}
	out := make(map[string]float64, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out, nil
}

// Factory builds fake surfaces. Gate, when set, blocks NewSurface until it
// is closed or receives a value. Started, when set, receives once per
// NewSurface call before the gate. Quiet surfaces never call their listener
// from Load.
type Factory struct {
	Err     error
	Gate    chan struct{}
	Started chan struct{}
	Quiet   bool

	mu       sync.Mutex
	seq      atomic.Int64
	surfaces []*Surface
}

// NewSurface implements surface.Factory.
func (f *Factory) NewSurface(ctx context.Context) (surface.Surface, error) {
	if f.Started != nil {
		f.Started <- struct{}{}
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.Err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	n := f.seq.Add(1)
	s := NewSurface(fmt.Sprintf("surface-%d", n), 0)
	s.quiet = f.Quiet
	f.mu.Lock()
	f.surfaces = append(f.surfaces, s)
	f.mu.Unlock()
	return s, nil
}

// SetErr makes later NewSurface calls fail with err.
func (f *Factory) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// Surfaces returns every surface built so far.
func (f *Factory) Surfaces() []*Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Surface(nil), f.surfaces...)
}

// Created returns how many surfaces were built.
func (f *Factory) Created() int {
	return int(f.seq.Load())
}
