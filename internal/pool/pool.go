// Package pool maintains a pre-warmed population of interactive-language
// sandboxes so that Acquire completes in single-digit milliseconds, per
// spec §4.4. Only one language is pool-backed (lang.Interactive);
// one-shot languages are served by constructing a fresh sandbox
// on-demand, with no pool involved.
//
// Grounded on
// _examples/other_examples/.../haasonsaas-nexus/internal/tools/sandbox/pool.go's
// channel-backed available-queue + active-counter shape, adapted with
// an explicit FIFO waiter queue (see DESIGN.md "Open Questions decided"
// #2 — a bare channel select does not guarantee FIFO order among
// concurrently blocked callers) and capped-exponential-backoff
// relaunching instead of that version's fire-and-forget Warmup.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/interpreter"
	"github.com/sandboxlabs/sandboxd/internal/lang"
	"github.com/sandboxlabs/sandboxd/internal/manager"
)

// Config tunes the pool's steady-state size and replenishment behavior.
type Config struct {
	Target                int
	LaunchParallelism     int
	SandboxTTL            time.Duration
	HealthCheckTimeout    time.Duration
	AcquireTimeout        time.Duration
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
}

// waiter is one blocked Acquire call, satisfied in FIFO order.
type waiter struct {
	ch chan *manager.Sandbox
}

// Pool maintains the Ready queue and Warming set for the interactive
// language. The Ready queue, Warming set, and waiter list are guarded
// by a single mutex; launcher goroutines run outside the critical
// section, per spec §5's shared-resource policy.
type Pool struct {
	mgr    *manager.Manager
	lang   lang.Tag
	cfg    Config

	mu      sync.Mutex
	ready   []*manager.Sandbox
	warming int
	waiters *list.List // of *waiter
	closed  bool

	launchSem chan struct{}
}

// New creates a Pool for the interactive language. Call Warmup to
// populate it.
func New(mgr *manager.Manager, t lang.Tag, cfg Config) *Pool {
	if cfg.LaunchParallelism <= 0 {
		cfg.LaunchParallelism = cfg.Target
	}
	if cfg.LaunchParallelism <= 0 {
		cfg.LaunchParallelism = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}

	return &Pool{
		mgr:       mgr,
		lang:      t,
		cfg:       cfg,
		waiters:   list.New(),
		launchSem: make(chan struct{}, cfg.LaunchParallelism),
	}
}

// Warmup launches sandboxes up to Target in bounded parallel. It
// returns once all launches have been attempted (errors are logged, not
// returned — a partially warm pool still serves Acquire, just with
// higher tail latency until replenishment catches up).
func (p *Pool) Warmup(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.Target - len(p.ready) - p.warming
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		p.launchAsync(ctx, &wg)
	}
	wg.Wait()
}

// launchAsync starts one replenishment launcher, bounded by the launch
// semaphore, with capped exponential backoff on repeated failure. It
// does not block the caller beyond acquiring the semaphore slot asynchronously.
func (p *Pool) launchAsync(ctx context.Context, wg *sync.WaitGroup) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if wg != nil {
			wg.Done()
		}
		return
	}
	p.warming++
	p.mu.Unlock()

	go func() {
		if wg != nil {
			defer wg.Done()
		}

		p.launchSem <- struct{}{}
		defer func() { <-p.launchSem }()

		backoff := p.cfg.BackoffInitial
		for attempt := 0; ; attempt++ {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				p.mu.Lock()
				p.warming--
				p.mu.Unlock()
				return
			}

			launchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			sb, err := p.mgr.Create(launchCtx, p.lang, p.cfg.SandboxTTL)
			cancel()

			if err == nil {
				p.mu.Lock()
				p.warming--
				if p.closed {
					p.mu.Unlock()
					p.mgr.Destroy(context.Background(), sb)
					return
				}
				p.ready = append(p.ready, sb)
				p.handOffLocked()
				p.mu.Unlock()
				return
			}

			log.Warn().Err(err).Str("language", string(p.lang)).Int("attempt", attempt).
				Msg("pool launcher failed, retrying with backoff")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				p.mu.Lock()
				p.warming--
				p.mu.Unlock()
				return
			}
			backoff *= 2
			if backoff > p.cfg.BackoffMax {
				backoff = p.cfg.BackoffMax
			}
		}
	}()
}

// handOffLocked serves the oldest waiter directly from a freshly ready
// sandbox, preserving FIFO order without the sandbox ever sitting
// visibly in the Ready slice when a waiter is already queued. Must be
// called with mu held.
func (p *Pool) handOffLocked() {
	if p.waiters.Len() == 0 || len(p.ready) == 0 {
		return
	}
	front := p.waiters.Front()
	w := front.Value.(*waiter)
	p.waiters.Remove(front)

	sb := p.ready[0]
	p.ready = p.ready[1:]
	w.ch <- sb
}

// Acquire returns a Ready sandbox for the interactive language,
// blocking in FIFO order if none is immediately available, bounded by
// cfg.AcquireTimeout. For any other language it constructs a fresh
// one-shot sandbox directly (no pool, no wait), per spec §4.4. A
// sandbox that fails its liveness probe is discarded and acquisition is
// retried exactly once with a fresh one before giving up.
func (p *Pool) Acquire(ctx context.Context, t lang.Tag) (*manager.Sandbox, error) {
	sb, err := p.acquireRaw(ctx, t)
	if err != nil {
		return nil, err
	}
	if t != p.lang {
		return sb, nil
	}

	if healthErr := p.healthCheck(sb); healthErr == nil {
		return sb, nil
	}
	p.mgr.Destroy(context.Background(), sb)
	p.scheduleReplenish(ctx)

	sb2, err := p.acquireRaw(ctx, t)
	if err != nil {
		return nil, err
	}
	if healthErr := p.healthCheck(sb2); healthErr != nil {
		p.mgr.Destroy(context.Background(), sb2)
		p.scheduleReplenish(ctx)
		return nil, errs.New(errs.KindSandboxUnhealthy, "pool.Acquire", fmt.Errorf("sandbox failed liveness probe twice: %w", healthErr))
	}
	return sb2, nil
}

// acquireRaw returns a sandbox without running the liveness probe: a
// fresh one-shot sandbox for any language other than the pool's, or the
// next Ready interactive sandbox (blocking in FIFO order if none is
// immediately available).
func (p *Pool) acquireRaw(ctx context.Context, t lang.Tag) (*manager.Sandbox, error) {
	if t != p.lang {
		return p.mgr.Create(ctx, t, 0)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.KindServiceBusy, "pool.Acquire", fmt.Errorf("pool closed"))
	}

	if len(p.ready) > 0 && p.waiters.Len() == 0 {
		sb := p.ready[0]
		p.ready = p.ready[1:]
		p.mu.Unlock()
		p.scheduleReplenish(ctx)
		return sb, nil
	}

	w := &waiter{ch: make(chan *manager.Sandbox, 1)}
	elem := p.waiters.PushBack(w)
	p.handOffLocked()
	p.mu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sb, ok := <-w.ch:
		if !ok {
			return nil, errs.New(errs.KindServiceBusy, "pool.Acquire", fmt.Errorf("pool closed"))
		}
		p.scheduleReplenish(ctx)
		return sb, nil
	case <-ctx.Done():
		p.removeWaiter(elem)
		return nil, errs.New(errs.KindServiceBusy, "pool.Acquire", ctx.Err())
	case <-timer.C:
		p.removeWaiter(elem)
		return nil, errs.New(errs.KindPoolExhausted, "pool.Acquire", fmt.Errorf("timed out waiting for a ready sandbox"))
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The waiter may already have been handed a sandbox (and removed from
	// the list) by handOffLocked after the timeout fired. A non-blocking
	// receive on its buffered channel detects that case; otherwise the
	// waiter is still queued and is removed here.
	select {
	case sb := <-elem.Value.(*waiter).ch:
		// We raced a hand-off after the timeout fired; don't leak the sandbox.
		go func() { p.Release(context.Background(), sb) }()
	default:
		p.waiters.Remove(elem)
	}
}

// scheduleReplenish ensures at most one launcher per missing slot is in
// flight, per spec §4.4's replenishment policy.
func (p *Pool) scheduleReplenish(ctx context.Context) {
	p.mu.Lock()
	missing := p.cfg.Target - len(p.ready) - p.warming
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		p.launchAsync(ctx, nil)
	}
}

// healthCheck issues a cheap liveness check (a no-op framed request
// with a short timeout) and reports whether sb is still usable. It
// never destroys sb or retries acquisition itself — Acquire owns the
// bounded single retry, per spec §4.4's health policy.
func (p *Pool) healthCheck(sb *manager.Sandbox) error {
	if sb.Expired() {
		return fmt.Errorf("sandbox expired")
	}

	conn := sb.Conn()
	if conn == nil {
		return nil
	}

	timeout := p.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	done := make(chan error, 1)
	go func() {
		if err := interpreter.WriteRequest(conn, interpreter.Request{Code: "pass"}); err != nil {
			done <- err
			return
		}
		_, err := interpreter.ReadResponse(conn)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("health probe timed out after %s", timeout)
	}
}

// Release destroys the sandbox — single-use isolation means sandboxes
// are never returned to the pool — and schedules replenishment if below
// target, per spec §4.4.
func (p *Pool) Release(ctx context.Context, sb *manager.Sandbox) {
	p.mgr.Destroy(ctx, sb)
	if sb.Language == p.lang {
		p.scheduleReplenish(ctx)
	}
}

// Shutdown stops replenishment and destroys all Ready and Warming
// sandboxes.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	ready := p.ready
	p.ready = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, sb := range ready {
		p.mgr.Destroy(ctx, sb)
	}
}

// Stats reports the pool's current population, per spec §3's Pool State.
type Stats struct {
	Ready   int
	Warming int
	Target  int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Ready: len(p.ready), Warming: p.warming, Target: p.cfg.Target, Waiting: p.waiters.Len()}
}

// Healthy reports whether the pool has any usable capacity at all.
func (p *Pool) Healthy() error {
	s := p.Stats()
	if s.Ready == 0 && s.Warming == 0 && s.Target > 0 {
		return fmt.Errorf("pool %s: no ready or warming sandboxes", p.lang)
	}
	return nil
}
