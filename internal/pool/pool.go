// Package pool holds a bounded collection of session handles, services
// acquire/release requests, keeps warm spares, and enforces admission
// control. The pool is single-process and in-memory; all coordination is
// lock-based, and the pool-wide lock is held only for O(1) bookkeeping —
// never across a launch.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"browserd/internal/browser"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Launcher creates a new session handle for a profile ("" = ephemeral).
// The CLI wires this to browser.Launch with profile-store resolution; tests
// substitute fakes.
type Launcher func(ctx context.Context, profile string) (*browser.Handle, error)

// Armer re-arms the fingerprint injection on a handle. Every handle issued
// from the pool passes through the armer before a caller sees it.
type Armer interface {
	EnsureArmed(ctx context.Context, h *browser.Handle) error
}

// ExhaustedError reports a capacity rejection or queue timeout. Recoverable
// by caller retry; the pool never substitutes an unrelated handle instead.
type ExhaustedError struct {
	Profile string
	Waited  time.Duration
}

func (e *ExhaustedError) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("pool exhausted: no handle for profile %q within %s", e.Profile, e.Waited)
	}
	return fmt.Sprintf("pool exhausted: no capacity for profile %q", e.Profile)
}

// NotFoundError reports an unknown handle id.
type NotFoundError struct {
	HandleID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("handle %q is not a pool member", e.HandleID) }

// ErrClosed is returned once Close has begun.
var ErrClosed = errors.New("pool is closed")

// Config is passed in explicitly by the configuration plumbing; there are
// no implicit defaults that enable unsafe behavior.
type Config struct {
	MinInstances        int
	MaxInstances        int
	WarmTarget          int
	InstanceTTL         time.Duration
	HealthCheckInterval time.Duration
	QueueEnabled        bool
	QueueTimeout        time.Duration
	CheckTimeout        time.Duration
}

// Validate rejects configurations the pool invariants cannot hold under.
func (c Config) Validate() error {
	if c.MaxInstances <= 0 {
		return errors.New("pool: max_instances must be positive")
	}
	if c.MinInstances < 0 || c.MinInstances > c.MaxInstances {
		return errors.New("pool: min_instances must be within [0, max_instances]")
	}
	if c.WarmTarget < 0 || c.WarmTarget > c.MaxInstances {
		return errors.New("pool: warm_target must be within [0, max_instances]")
	}
	if c.QueueEnabled && c.QueueTimeout <= 0 {
		return errors.New("pool: queuing requires a positive queue_timeout")
	}
	return nil
}

func (c Config) checkTimeout() time.Duration {
	if c.CheckTimeout <= 0 {
		return 10 * time.Second
	}
	return c.CheckTimeout
}

// AcquireOptions refine one acquisition.
type AcquireOptions struct {
	// Profile restricts the match to handles launched against this exact
	// profile. Empty matches only profile-less handles — the pool never
	// silently substitutes a different profile.
	Profile string

	// CreateIfNeeded permits launching a new handle under capacity.
	CreateIfNeeded bool

	// Timeout overrides the configured queue timeout for this caller.
	Timeout time.Duration
}

// Stats is a point-in-time view of the membership partitions.
type Stats struct {
	Total      int    `json:"total"`
	Idle       int    `json:"idle"`
	Busy       int    `json:"busy"`
	Retiring   int    `json:"retiring"`
	Pending    int    `json:"pending"`
	QueueDepth int    `json:"queue_depth"`
	Capacity   int    `json:"capacity"`
	Launched   uint64 `json:"launched"`
	Retired    uint64 `json:"retired"`
	Timeouts   uint64 `json:"queue_timeouts"`
}

type member struct {
	h *browser.Handle
	// checking marks an idle member undergoing a janitor health check so
	// acquisition skips it; checks never overlap a BUSY handle.
	checking bool
}

type grant struct {
	handle *browser.Handle // direct hand-off, already BUSY
	slot   bool            // capacity reservation; recipient launches
}

type waiter struct {
	profile  string
	noCreate bool
	grant    chan grant // buffered(1); dispatch never blocks
}

// Pool is the admission-controlling owner of all pooled handles.
type Pool struct {
	cfg    Config
	launch Launcher
	armer  Armer
	log    *zap.Logger

	mu       sync.Mutex
	members  map[string]*member
	reserved int // slots held by in-flight launches
	waiters  []*waiter
	closed   bool
	started  bool

	launched uint64
	retired  uint64
	timeouts uint64

	stopJanitor chan struct{}
	janitorDone chan struct{}

	// OnRetire runs after a member leaves the pool, before termination.
	// The CLI wires it to injection disarm and profile bookkeeping.
	OnRetire func(h *browser.Handle)
}

// New builds a pool. Call Start to pre-warm and begin idle health checks.
func New(cfg Config, launch Launcher, armer Armer, log *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if launch == nil {
		return nil, errors.New("pool: launcher required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		cfg:         cfg,
		launch:      launch,
		armer:       armer,
		log:         log.Named("pool"),
		members:     make(map[string]*member),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}, nil
}

// Start pre-warms the pool to min_instances and starts the idle janitor.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.replenish(ctx)
	go p.janitor()
	return nil
}

// Acquire returns an exclusively-held handle for the profile, creating one
// under capacity when permitted.
func (p *Pool) Acquire(ctx context.Context, profile string) (*browser.Handle, error) {
	return p.AcquireWith(ctx, AcquireOptions{Profile: profile, CreateIfNeeded: true})
}

// AcquireWith is Acquire with explicit options.
//
// Admission order: (1) first idle member with exactly the requested
// profile; (2) a fresh launch under max_instances, performed outside the
// pool lock; (3) FIFO queue with a bounded timeout when enabled, otherwise
// an immediate *ExhaustedError.
func (p *Pool) AcquireWith(ctx context.Context, opts AcquireOptions) (*browser.Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if h := p.takeIdleLocked(opts.Profile); h != nil {
		p.mu.Unlock()
		return p.issue(ctx, h)
	}
	if opts.CreateIfNeeded && p.capacityLeftLocked() > 0 {
		p.reserved++
		p.mu.Unlock()
		return p.launchMember(ctx, opts.Profile)
	}
	if !p.cfg.QueueEnabled {
		p.mu.Unlock()
		return nil, &ExhaustedError{Profile: opts.Profile}
	}

	w := &waiter{profile: opts.Profile, noCreate: !opts.CreateIfNeeded, grant: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	depth := len(p.waiters)
	p.mu.Unlock()
	p.log.Debug("acquire queued", zap.String("profile", opts.Profile), zap.Int("depth", depth))

	timeout := p.cfg.QueueTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.grant:
		if g.handle != nil {
			return p.issue(ctx, g.handle)
		}
		if g.slot {
			return p.launchMember(ctx, opts.Profile)
		}
		return nil, ErrClosed
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, &ExhaustedError{Profile: opts.Profile, Waited: timeout}
	}
}

// takeIdleLocked claims the first idle member matching the exact profile.
// A profile-less request matches only profile-less members.
func (p *Pool) takeIdleLocked(profile string) *browser.Handle {
	for _, m := range p.members {
		if m.checking || m.h.Profile() != profile {
			continue
		}
		if err := m.h.BeginUse(); err == nil {
			return m.h
		}
	}
	return nil
}

func (p *Pool) capacityLeftLocked() int {
	return p.cfg.MaxInstances - len(p.members) - p.reserved
}

// issue finalizes a hand-off: injection is re-armed before the caller ever
// sees the handle. An arming failure retires the member instead of leaking
// an unmasked session.
func (p *Pool) issue(ctx context.Context, h *browser.Handle) (*browser.Handle, error) {
	if p.armer != nil {
		if err := p.armer.EnsureArmed(ctx, h); err != nil {
			_ = h.EndUse(false)
			if rerr := p.Retire(h.ID()); rerr != nil {
				p.log.Warn("retire after arming failure", zap.Error(rerr))
			}
			return nil, fmt.Errorf("arm handle %s: %w", h.ID(), err)
		}
	}
	return h, nil
}

// launchMember runs the launcher with a slot already reserved; the pool
// lock is never held across the launch.
func (p *Pool) launchMember(ctx context.Context, profile string) (*browser.Handle, error) {
	h, err := p.launch(ctx, profile)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.dispatchLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = h.Terminate(context.Background(), true)
		return nil, ErrClosed
	}
	h.SetPooled(true)
	if berr := h.BeginUse(); berr != nil {
		p.mu.Unlock()
		_ = h.Terminate(context.Background(), true)
		return nil, berr
	}
	p.members[h.ID()] = &member{h: h}
	p.launched++
	p.mu.Unlock()

	return p.issue(ctx, h)
}

// Release returns a held handle. healthy=false moves it to the error state
// and retires it; faulted handles are never recycled. A handle that faulted
// mid-use (failed health check or replay while busy) is retired on release
// regardless of the caller's report.
func (p *Pool) Release(id string, healthy bool) error {
	p.mu.Lock()
	m, ok := p.members[id]
	p.mu.Unlock()
	if !ok {
		return &NotFoundError{HandleID: id}
	}
	if err := m.h.EndUse(healthy); err != nil {
		return err
	}
	if !healthy || m.h.Status() == browser.StatusError {
		return p.Retire(id)
	}
	p.mu.Lock()
	p.dispatchLocked()
	p.mu.Unlock()
	return nil
}

// Retire terminates a member and removes it from membership.
func (p *Pool) Retire(id string) error {
	p.mu.Lock()
	m, ok := p.members[id]
	if ok {
		delete(p.members, id)
		p.retired++
	}
	p.mu.Unlock()
	if !ok {
		return &NotFoundError{HandleID: id}
	}
	if p.OnRetire != nil {
		p.OnRetire(m.h)
	}
	if err := m.h.Terminate(context.Background(), false); err != nil {
		p.log.Warn("terminate on retire", zap.String("handle_id", id), zap.Error(err))
	}
	p.mu.Lock()
	p.dispatchLocked()
	p.mu.Unlock()
	p.log.Info("member retired", zap.String("handle_id", id))
	return nil
}

// dispatchLocked satisfies queued waiters in FIFO order: a matching idle
// handle first, then a capacity slot. The head blocks the queue when
// neither is available — strict FIFO, no overtaking.
func (p *Pool) dispatchLocked() {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		if h := p.takeIdleLocked(w.profile); h != nil {
			p.waiters = p.waiters[1:]
			w.grant <- grant{handle: h}
			continue
		}
		if !w.noCreate && p.capacityLeftLocked() > 0 {
			p.reserved++
			p.waiters = p.waiters[1:]
			w.grant <- grant{slot: true}
			continue
		}
		return
	}
}

// abandonWaiter removes a timed-out or cancelled waiter. When a grant raced
// in, the grant is returned to the pool — no partial hand-off.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case g := <-w.grant:
		p.mu.Lock()
		if g.handle != nil {
			_ = g.handle.EndUse(true)
		} else if g.slot {
			p.reserved--
		}
		p.dispatchLocked()
		p.mu.Unlock()
	default:
	}
}

// Stats reports the membership partitions and counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Total:      len(p.members),
		Pending:    p.reserved,
		QueueDepth: len(p.waiters),
		Capacity:   p.cfg.MaxInstances,
		Launched:   p.launched,
		Retired:    p.retired,
		Timeouts:   p.timeouts,
	}
	for _, m := range p.members {
		switch m.h.Status() {
		case browser.StatusIdle:
			s.Idle++
		case browser.StatusBusy:
			s.Busy++
		case browser.StatusError:
			s.Retiring++
		}
	}
	return s
}

// Member returns a pool member's handle by id.
func (p *Pool) Member(id string) (*browser.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return nil, &NotFoundError{HandleID: id}
	}
	return m.h, nil
}

// Close stops the janitor, fails queued waiters, and terminates every
// member concurrently with a per-handle shutdown bound.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	waiters := p.waiters
	p.waiters = nil
	members := make([]*member, 0, len(p.members))
	for id, m := range p.members {
		members = append(members, m)
		delete(p.members, id)
	}
	p.mu.Unlock()

	close(p.stopJanitor)
	if started {
		<-p.janitorDone
	}

	for _, w := range waiters {
		w.grant <- grant{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			if p.OnRetire != nil {
				p.OnRetire(m.h)
			}
			return m.h.Terminate(tctx, false)
		})
	}
	err := g.Wait()
	p.log.Info("pool closed", zap.Int("terminated", len(members)))
	return err
}
