package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
)

const faviconScript = `(() => {
	const link = document.querySelector('link[rel~="icon"]');
	if (link && link.href) return link.href;
	try { return new URL('/favicon.ico', location.href).href; } catch (e) { return ''; }
})()`

// ChromeConfig configures the shared headless browser.
type ChromeConfig struct {
	Headless    bool
	ExecPath    string
	UserDataDir string
	// Flags are extra command line switches, "name" or "name=value".
	Flags []string
}

// ChromeFactory creates one browser target per surface.
type ChromeFactory struct {
	log           pslog.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeFactory starts the browser process.
func NewChromeFactory(ctx context.Context, cfg ChromeConfig) (*ChromeFactory, error) {
	log := pslog.Ctx(ctx)
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	for _, flag := range cfg.Flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(strings.TrimSpace(flag), "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	log.Info("browser started", "headless", cfg.Headless, "pid", browserPID(browserCtx))
	return &ChromeFactory{
		log:           log,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewSurface opens a new browser target.
func (f *ChromeFactory) NewSurface(ctx context.Context) (Surface, error) {
	if err := f.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser stopped: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(f.browserCtx)
	s := &chromeSurface{ctx: tabCtx, cancel: cancel, log: f.log}
	chromedp.ListenTarget(tabCtx, s.handleEvent)
	if err := chromedp.Run(tabCtx, page.Enable(), performance.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("open target: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Close stops the browser process.
func (f *ChromeFactory) Close() error {
	f.browserCancel()
	f.allocCancel()
	f.log.Info("browser stopped")
	return nil
}

func browserPID(ctx context.Context) int {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Browser == nil {
		return 0
	}
	proc := c.Browser.Process()
	if proc == nil {
		return 0
	}
	return proc.Pid
}

type chromeSurface struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    pslog.Logger

	mu       sync.Mutex
	listener Listener
	url      string
}

func (s *chromeSurface) currentListener() (Listener, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener, s.url
}

// run executes actions on the target, bounded by the caller's context.
func (s *chromeSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, stop := context.WithCancel(s.ctx)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-runCtx.Done():
		}
	}()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSurface) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameStartedLoading:
		if l, _ := s.currentListener(); l != nil {
			l.OnProgress(10)
		}
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		s.mu.Lock()
		s.url = e.Frame.URL
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.OnNavigationStarted(e.Frame.URL)
			l.OnProgress(50)
		}
	case *page.EventDomContentEventFired:
		if l, _ := s.currentListener(); l != nil {
			l.OnProgress(80)
		}
	case *page.EventLoadEventFired:
		// Actions cannot run inside the event handler.
		go s.reportLoaded()
	case *inspector.EventTargetCrashed:
		if l, url := s.currentListener(); l != nil {
			l.OnError(-2, "renderer crashed", url)
		}
	}
}

func (s *chromeSurface) reportLoaded() {
	var title, favicon string
	err := chromedp.Run(s.ctx,
		chromedp.Title(&title),
		chromedp.Evaluate(faviconScript, &favicon),
	)
	l, url := s.currentListener()
	if l == nil {
		return
	}
	if err != nil {
		s.log.Debug("surface load details unavailable", "url", url, "err", err)
	}
	l.OnProgress(100)
	if title != "" {
		l.OnTitleReceived(title)
	}
	l.OnNavigationFinished(url, favicon)
}

func (s *chromeSurface) Load(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		if l, _ := s.currentListener(); l != nil {
			l.OnError(-1, err.Error(), url)
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *chromeSurface) Reload(ctx context.Context) error {
	return s.run(ctx, chromedp.Reload())
}

func (s *chromeSurface) history(ctx context.Context) (int64, int, error) {
	var (
		current int64
		entries []*page.NavigationEntry
	)
	if err := s.run(ctx, chromedp.NavigationEntries(&current, &entries)); err != nil {
		return 0, 0, err
	}
	return current, len(entries), nil
}

func (s *chromeSurface) CanGoBack(ctx context.Context) (bool, error) {
	current, _, err := s.history(ctx)
	if err != nil {
		return false, err
	}
	return current > 0, nil
}

func (s *chromeSurface) CanGoForward(ctx context.Context) (bool, error) {
	current, total, err := s.history(ctx)
	if err != nil {
		return false, err
	}
	return current < int64(total-1), nil
}

func (s *chromeSurface) GoBack(ctx context.Context) error {
	return s.run(ctx, chromedp.NavigateBack())
}

func (s *chromeSurface) GoForward(ctx context.Context) error {
	return s.run(ctx, chromedp.NavigateForward())
}

func (s *chromeSurface) EvaluateScript(ctx context.Context, js string) (string, error) {
	var raw []byte
	if err := s.run(ctx, chromedp.Evaluate(js, &raw)); err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *chromeSurface) Hibernate(ctx context.Context) error {
	return s.run(ctx, page.SetWebLifecycleState(page.SetWebLifecycleStateStateFrozen))
}

func (s *chromeSurface) WakeUp(ctx context.Context) error {
	return s.run(ctx, page.SetWebLifecycleState(page.SetWebLifecycleStateStateActive))
}

func (s *chromeSurface) Reset(ctx context.Context) error {
	if err := s.run(ctx,
		page.SetWebLifecycleState(page.SetWebLifecycleStateStateActive),
		chromedp.Navigate(BlankURL),
	); err != nil {
		return err
	}
	s.mu.Lock()
	s.url = BlankURL
	s.mu.Unlock()
	return nil
}

func (s *chromeSurface) Cleanup() error {
	s.SetListener(nil)
	s.cancel()
	if err := s.ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *chromeSurface) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// PID is always 0. Targets share the browser process, so procfs cannot
// attribute usage to one tab; monitor.AutoSampler reads PerformanceMetrics
// for these surfaces instead.
func (s *chromeSurface) PID() int {
	return 0
}

func (s *chromeSurface) PerformanceMetrics(ctx context.Context) (map[string]float64, error) {
	var metrics []*performance.Metric
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		out[m.Name] = m.Value
	}
	return out, nil
}
