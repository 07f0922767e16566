// Package browser provides chromedp-backed sessions for the session pool.
//
// Every session owns its own allocator and tab, so sessions never share cookies,
// storage or a renderer process. With a remote URL configured the allocator
// attaches to a browser grid; otherwise a local Chrome is launched.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/metrics"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Config controls how sessions are created and how pages are loaded.
type Config struct {
	// RemoteURL is a DevTools websocket or HTTP endpoint of a browser grid.
	RemoteURL         string
	ExecPath          string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	StartTimeout      time.Duration
	SettleDelay       time.Duration
}

const (
	defaultNavTimeout   = 60 * time.Second
	defaultStartTimeout = 45 * time.Second
	resetTimeout        = 15 * time.Second
	pingTimeout         = 5 * time.Second
)

// Factory creates chromedp sessions. It satisfies session.Factory.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory builds a Factory with defaults applied.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Factory{cfg: cfg, logger: logger}
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// New starts a browser for slot and opens its tab.
func (f *Factory) New(ctx context.Context, slot int) (rank.Browser, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if f.cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), f.cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		slot:        slot,
		cfg:         f.cfg,
		logger:      f.logger.With(zap.Int("slot", slot)),
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		meta:        newResponseMeta(),
	}

	// The first Run allocates the browser; a timeout on its context would kill it,
	// so the start is bounded from the outside instead.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, s.setupAction())
	}()
	timer := time.NewTimer(f.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case err := <-started:
		if err != nil {
			_ = s.Close()
			return nil, classifyStartError(err)
		}
	case <-timer.C:
		_ = s.Close()
		return nil, fmt.Errorf("start browser: no response after %s: %w", f.cfg.StartTimeout, rank.ErrGridOverloaded)
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}

	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)
	return s, nil
}

func classifyStartError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "504") || strings.Contains(strings.ToLower(msg), "gateway time") {
		return fmt.Errorf("start browser: %w: %v", rank.ErrGridOverloaded, err)
	}
	return fmt.Errorf("start browser: %w", err)
}

// Session is one chromedp browser with a single long-lived tab.
type Session struct {
	slot        int
	cfg         Config
	logger      *zap.Logger
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	meta        *responseMeta
	closeOnce   sync.Once
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Visit loads url and returns the rendered document.
func (s *Session) Visit(ctx context.Context, url string) (rank.Page, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	s.meta.reset()
	var html, finalURL, title string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		metrics.ObservePageVisit(url, "error")
		return rank.Page{}, s.visitError(ctx, runCtx, url, err)
	}

	status, responseURL := s.meta.snapshot()
	if responseURL == "" {
		responseURL = finalURL
	}
	if responseURL == "" {
		responseURL = url
	}
	if status == 0 {
		status = 200
	}
	metrics.ObservePageVisit(url, strconv.Itoa(status))
	return rank.Page{
		RequestURL: url,
		FinalURL:   responseURL,
		StatusCode: status,
		Title:      title,
		HTML:       html,
	}, nil
}

func (s *Session) visitError(ctx, runCtx context.Context, url string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("visit %s: %w", url, ctx.Err())
	case s.tabCtx.Err() != nil || isBroken(err):
		return fmt.Errorf("visit %s: %w: %v", url, rank.ErrSessionBroken, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("visit %s: navigation exceeded %s", url, s.cfg.NavigationTimeout)
	default:
		return fmt.Errorf("visit %s: %v", url, err)
	}
}

// Reset navigates to about:blank and clears cookies and web storage.
func (s *Session) Reset(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, resetTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
	); err != nil {
		if s.tabCtx.Err() != nil || isBroken(err) {
			return fmt.Errorf("reset session: %w: %v", rank.ErrSessionBroken, err)
		}
		return fmt.Errorf("reset session: %w", err)
	}

	var cleared bool
	storageErr := chromedp.Run(runCtx, chromedp.Evaluate(
		`(() => { try { localStorage.clear(); sessionStorage.clear(); return true } catch (e) { return false } })()`,
		&cleared,
	))
	if storageErr != nil {
		s.logger.Debug("clear web storage", zap.Error(storageErr))
	}
	return nil
}

// Ping checks that the tab still answers.
func (s *Session) Ping(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, pingTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var n int
	if err := chromedp.Run(runCtx, chromedp.Evaluate(`1 + 1`, &n)); err != nil {
		return fmt.Errorf("ping session: %w: %v", rank.ErrSessionBroken, err)
	}
	return nil
}

// Close cancels the tab and allocator, terminating a local browser.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
	})
	return nil
}

func isBroken(err error) bool {
	return errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget) ||
		errors.Is(err, chromedp.ErrInvalidContext)
}

// forwardCancel cancels when parent is done, until the returned stop is called.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}
