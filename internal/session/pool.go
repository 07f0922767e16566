// Package session manages a fixed-capacity pool of exclusive browser sessions.
//
// A session is Idle, Acquired or Broken. Acquire hands out Idle sessions to
// callers in FIFO order; Release either returns a session to Idle or marks it
// Broken and recreates it in the background. All state changes happen under a
// single mutex so no two callers can claim the same session.
package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/rankgrid/internal/metrics"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

var (
	// ErrPoolClosed is returned by Acquire once Close has been called.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrNotAcquired is returned when releasing a session the caller does not hold.
	ErrNotAcquired = errors.New("session not acquired")
)

// Factory creates browser sessions for a pool slot.
type Factory interface {
	New(ctx context.Context, slot int) (rank.Browser, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, slot int) (rank.Browser, error)

// New calls f.
func (f FactoryFunc) New(ctx context.Context, slot int) (rank.Browser, error) {
	return f(ctx, slot)
}

// Config controls pool sizing and recreation behavior.
type Config struct {
	Capacity        int
	CreateAttempts  int
	CreateBackoff   time.Duration
	MaxBackoff      time.Duration
	OverloadBackoff time.Duration
	// RecreateQPS throttles recreation across the pool; <= 0 disables throttling.
	RecreateQPS float64
}

func (c Config) withDefaults() Config {
	if c.CreateAttempts <= 0 {
		c.CreateAttempts = 5
	}
	if c.CreateBackoff <= 0 {
		c.CreateBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.OverloadBackoff <= 0 {
		c.OverloadBackoff = 45 * time.Second
	}
	return c
}

type state int

const (
	stateIdle state = iota
	stateAcquired
	stateBroken
)

// Session is an exclusive handle to one browser. Only the holder may use it.
type Session struct {
	slot       int
	generation int
	browser    rank.Browser
	state      state
}

// ID identifies the slot and generation, e.g. "2.3" for the third browser in slot 2.
func (s *Session) ID() string {
	return fmt.Sprintf("%d.%d", s.slot, s.generation)
}

// Browser returns the underlying automation session.
func (s *Session) Browser() rank.Browser {
	return s.browser
}

type waiter struct {
	ch      chan *Session
	granted bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity    int `json:"capacity"`
	Idle        int `json:"idle"`
	Acquired    int `json:"acquired"`
	Broken      int `json:"broken"`
	Waiting     int `json:"waiting"`
	MaxAcquired int `json:"max_acquired"`
}

// Pool is a fixed-capacity set of exclusive sessions.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	slots       []*Session
	idle        []*Session
	waiters     *list.List
	acquired    int
	broken      int
	maxAcquired int
	closed      bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates every session up front. Failing to reach full capacity is an error.
func New(ctx context.Context, factory Factory, cfg Config, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.RecreateQPS > 0 {
		limit = rate.Limit(cfg.RecreateQPS)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		slots:   make([]*Session, cfg.Capacity),
		waiters: list.New(),
		ctx:     baseCtx,
		cancel:  cancel,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for slot := range cfg.Capacity {
		group.Go(func() error {
			browser, err := p.create(groupCtx, slot)
			if err != nil {
				return fmt.Errorf("create session %d: %w", slot, err)
			}
			p.slots[slot] = &Session{slot: slot, generation: 1, browser: browser, state: stateIdle}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		cancel()
		for _, s := range p.slots {
			if s != nil {
				p.closeBrowser(s)
			}
		}
		return nil, err
	}

	p.idle = append(p.idle, p.slots...)
	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
	logger.Info("session pool ready", zap.Int("capacity", cfg.Capacity))
	return p, nil
}

// Acquire blocks until a session is Idle, timeout elapses or ctx is done.
// A timeout <= 0 waits until ctx is done.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	return p.Enqueue().Wait(ctx, timeout)
}

// Ticket is a place in the pool's FIFO line, taken by Enqueue.
type Ticket struct {
	pool    *Pool
	start   time.Time
	session *Session
	err     error
	w       *waiter
	elem    *list.Element
}

// Enqueue takes a place in line without blocking. Callers that need a
// deterministic order take tickets sequentially and Wait on them concurrently.
// Every ticket must be waited on exactly once.
func (p *Pool) Enqueue() *Ticket {
	t := &Ticket{pool: p, start: time.Now()}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.err = ErrPoolClosed
		return t
	}
	if p.waiters.Len() == 0 && len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.markAcquiredLocked(s)
		p.publishLocked()
		t.session = s
		return t
	}
	t.w = &waiter{ch: make(chan *Session, 1)}
	t.elem = p.waiters.PushBack(t.w)
	p.publishLocked()
	return t
}

// Wait blocks until the ticket is served, timeout elapses or ctx is done.
// The timeout clock starts when Wait is called.
func (t *Ticket) Wait(ctx context.Context, timeout time.Duration) (*Session, error) {
	p := t.pool
	if t.err != nil {
		return nil, t.err
	}
	if t.session != nil {
		metrics.ObserveAcquire("ok", time.Since(t.start))
		return t.session, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s, ok := <-t.w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		metrics.ObserveAcquire("ok", time.Since(t.start))
		return s, nil
	case <-expired:
		metrics.ObserveAcquire("timeout", time.Since(t.start))
		return nil, p.abandon(t.elem, t.w, fmt.Errorf("wait %s for session: %w", timeout, rank.ErrAcquisitionTimeout))
	case <-ctx.Done():
		metrics.ObserveAcquire("canceled", time.Since(t.start))
		return nil, p.abandon(t.elem, t.w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. A session granted in the meantime goes back to the pool.
func (p *Pool) abandon(elem *list.Element, w *waiter, cause error) error {
	p.mu.Lock()
	if !w.granted {
		if !p.closed {
			p.waiters.Remove(elem)
			p.publishLocked()
		}
		p.mu.Unlock()
		return cause
	}
	p.mu.Unlock()

	if s, ok := <-w.ch; ok {
		if err := p.Release(s, true); err != nil {
			p.logger.Warn("return abandoned session", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
	return cause
}

// Release returns s to the pool. Unhealthy sessions are recreated asynchronously
// and only become available again once a fresh browser exists.
func (p *Pool) Release(s *Session, healthy bool) error {
	if s == nil {
		return ErrNotAcquired
	}
	p.mu.Lock()
	if s.state != stateAcquired || p.slots[s.slot] != s {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	p.acquired--
	if p.closed {
		s.state = stateBroken
		p.mu.Unlock()
		p.closeBrowser(s)
		return nil
	}
	if healthy {
		p.handoffLocked(s)
		p.publishLocked()
		p.mu.Unlock()
		return nil
	}
	s.state = stateBroken
	p.broken++
	p.publishLocked()
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Warn("session marked broken", zap.String("session_id", s.ID()))
	go p.recreate(s)
	return nil
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:    p.cfg.Capacity,
		Idle:        len(p.idle),
		Acquired:    p.acquired,
		Broken:      p.broken,
		Waiting:     p.waiters.Len(),
		MaxAcquired: p.maxAcquired,
	}
}

// Ready reports whether the pool is open with at least one usable session.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.broken < p.cfg.Capacity
}

// Close fails pending waiters, closes idle sessions and waits for recreations to stop.
// Sessions still held are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; {
		next := e.Next()
		w, _ := p.waiters.Remove(e).(*waiter)
		close(w.ch)
		e = next
	}
	idle := p.idle
	p.idle = nil
	p.publishLocked()
	p.mu.Unlock()

	p.cancel()
	for _, s := range idle {
		p.closeBrowser(s)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session pool: %w", ctx.Err())
	}
}

func (p *Pool) handoffLocked(s *Session) {
	if front := p.waiters.Front(); front != nil {
		w, _ := p.waiters.Remove(front).(*waiter)
		w.granted = true
		p.markAcquiredLocked(s)
		w.ch <- s
		return
	}
	s.state = stateIdle
	p.idle = append(p.idle, s)
}

func (p *Pool) markAcquiredLocked(s *Session) {
	s.state = stateAcquired
	p.acquired++
	if p.acquired > p.maxAcquired {
		p.maxAcquired = p.acquired
	}
}

func (p *Pool) publishLocked() {
	metrics.SetPoolState(len(p.idle), p.acquired, p.broken, p.waiters.Len())
}

func (p *Pool) recreate(old *Session) {
	defer p.wg.Done()
	p.closeBrowser(old)

	backoff := p.cfg.CreateBackoff
	for attempt := 1; ; attempt++ {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		browser, err := p.factory.New(p.ctx, old.slot)
		if err == nil {
			metrics.ObserveRecreation("ok")
			fresh := &Session{slot: old.slot, generation: old.generation + 1, browser: browser}
			p.mu.Lock()
			p.broken--
			if p.closed {
				p.publishLocked()
				p.mu.Unlock()
				p.closeBrowser(fresh)
				return
			}
			p.slots[old.slot] = fresh
			p.handoffLocked(fresh)
			p.publishLocked()
			p.mu.Unlock()
			p.logger.Info("session recreated", zap.String("session_id", fresh.ID()), zap.Int("attempt", attempt))
			return
		}

		metrics.ObserveRecreation("error")
		wait := backoff
		if errors.Is(err, rank.ErrGridOverloaded) {
			wait = p.cfg.OverloadBackoff
		}
		p.logger.Warn("session recreation failed",
			zap.Int("slot", old.slot),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if sleepCtx(p.ctx, wait) != nil {
			return
		}
		backoff = min(backoff*2, p.cfg.MaxBackoff)
	}
}

func (p *Pool) create(ctx context.Context, slot int) (rank.Browser, error) {
	backoff := p.cfg.CreateBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.CreateAttempts; attempt++ {
		browser, err := p.factory.New(ctx, slot)
		if err == nil {
			return browser, nil
		}
		lastErr = err
		if attempt == p.cfg.CreateAttempts {
			break
		}
		wait := backoff
		if errors.Is(err, rank.ErrGridOverloaded) {
			wait = p.cfg.OverloadBackoff
		}
		p.logger.Warn("session creation failed",
			zap.Int("slot", slot),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
		backoff = min(backoff*2, p.cfg.MaxBackoff)
	}
	return nil, fmt.Errorf("after %d attempts: %w", p.cfg.CreateAttempts, lastErr)
}

func (p *Pool) closeBrowser(s *Session) {
	if err := s.browser.Close(); err != nil {
		p.logger.Debug("close browser", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
