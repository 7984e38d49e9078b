// Package browser wraps one headless Chrome process and its DevTools
// control channel behind a lifecycle-governed Handle. A Handle owns its tab
// registry: tabs are mutated only here, in response to control-channel
// target events, never by other components and never by polling.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures Launch. Callers resolve the profile directory before
// launching; the handle never touches the profile store directly.
type Options struct {
	// Profile is the logical profile name the handle is launched against.
	// Empty means an ephemeral, profile-less handle.
	Profile string

	// ProfileDir is the user-data directory backing Profile. Ignored when
	// Profile is empty.
	ProfileDir string

	BinPath        string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string

	// NavigationTimeoutMs bounds tab navigation during snapshot replay.
	NavigationTimeoutMs int

	// TerminateGraceMs bounds the clean-shutdown wait before Terminate
	// escalates to a process kill.
	TerminateGraceMs int

	// Dial overrides the control-channel dialer. Nil selects the go-rod
	// Chrome dialer.
	Dial DialFunc

	// ReleaseProfile, when set, is invoked exactly once after the handle
	// reaches StatusTerminated. The profile store uses it to drop the
	// in-use reference that blocks profile deletion.
	ReleaseProfile func()

	Logger *zap.Logger
}

// NavigationTimeout returns the replay navigation bound.
func (o Options) NavigationTimeout() time.Duration {
	if o.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.NavigationTimeoutMs) * time.Millisecond
}

// TerminateGrace returns the clean-shutdown bound.
func (o Options) TerminateGrace() time.Duration {
	if o.TerminateGraceMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.TerminateGraceMs) * time.Millisecond
}

// Transition records one lifecycle state change.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

// Handle is the orchestration-layer representation of one running browser
// process. At most one caller holds it in StatusBusy at a time; every
// state-mutating call serializes on the per-handle lock.
type Handle struct {
	id   string
	opts Options
	log  *zap.Logger
	tr   Transport

	mu          sync.Mutex
	status      Status
	pooled      bool
	createdAt   time.Time
	lastActive  time.Time
	transitions []Transition
	tabs        []Tab
	hookOwner   string
	newTabHook  func(Tab)

	releaseOnce sync.Once
	loopDone    chan struct{}
}

// Launch starts a browser process and connects its control channel. It is
// the only creation path for a Handle. It fails fast: one attempt, a typed
// *LaunchError, no retry loop.
func Launch(ctx context.Context, opts Options) (*Handle, error) {
	dial := opts.Dial
	if dial == nil {
		dial = dialRod
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	tr, err := dial(ctx, opts)
	if err != nil {
		var le *LaunchError
		if !asLaunchError(err, &le) {
			err = &LaunchError{Reason: ReasonConnectFailed, Profile: opts.Profile, Err: err}
		}
		return nil, err
	}

	now := time.Now()
	h := &Handle{
		id:         uuid.NewString(),
		opts:       opts,
		log:        log.Named("handle"),
		tr:         tr,
		status:     StatusIdle,
		createdAt:  now,
		lastActive: now,
		loopDone:   make(chan struct{}),
	}
	h.log = h.log.With(zap.String("handle_id", h.id), zap.String("profile", opts.Profile))
	go h.eventLoop()

	h.log.Info("handle launched", zap.Bool("headless", opts.Headless))
	return h, nil
}

func asLaunchError(err error, target **LaunchError) bool {
	le, ok := err.(*LaunchError)
	if ok {
		*target = le
	}
	return ok
}

// ID returns the opaque handle identifier. IDs are never reused.
func (h *Handle) ID() string { return h.id }

// Profile returns the logical profile name, or "" for ephemeral handles.
func (h *Handle) Profile() string { return h.opts.Profile }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Pooled reports whether the pool owns lifecycle decisions for this handle.
func (h *Handle) Pooled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pooled
}

// SetPooled hands lifecycle ownership to the pool at registration time.
func (h *Handle) SetPooled(pooled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pooled = pooled
}

// CreatedAt returns the launch timestamp, used for TTL accounting.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastActive returns the timestamp of the most recent successful operation.
func (h *Handle) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// History returns a copy of the recorded lifecycle transitions.
func (h *Handle) History() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Transition, len(h.transitions))
	copy(out, h.transitions)
	return out
}

func (h *Handle) transitionLocked(to Status) {
	h.transitions = append(h.transitions, Transition{From: h.status, To: to, At: time.Now()})
	h.status = to
}

// BeginUse transitions Idle -> Busy for exactly one caller.
func (h *Handle) BeginUse() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case StatusTerminated:
		return ErrTerminated
	case StatusIdle:
		h.transitionLocked(StatusBusy)
		h.lastActive = time.Now()
		return nil
	default:
		return fmt.Errorf("%w: status is %s", ErrNotIdle, h.status)
	}
}

// EndUse returns a busy handle. An unhealthy report moves it to StatusError;
// the pool then retires it instead of recycling. A handle that already
// faulted mid-use (failed health check or replay while busy) is accepted
// as-is: the recorded fault outranks the caller's report, and the state
// stays StatusError.
func (h *Handle) EndUse(healthy bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case StatusTerminated:
		return ErrTerminated
	case StatusError:
		h.lastActive = time.Now()
		return nil
	case StatusBusy:
		if healthy {
			h.transitionLocked(StatusIdle)
		} else {
			h.transitionLocked(StatusError)
		}
		h.lastActive = time.Now()
		return nil
	default:
		return fmt.Errorf("%w: status is %s", ErrNotBusy, h.status)
	}
}

// HealthCheck performs a cheap control-channel round-trip. A transport
// failure moves the handle to StatusError and returns a *TransportError so
// the pool can retire it; it is never reported as a bare boolean.
func (h *Handle) HealthCheck(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusTerminated {
		return ErrTerminated
	}
	if err := h.tr.Ping(ctx); err != nil {
		if h.status != StatusError {
			h.transitionLocked(StatusError)
		}
		return &TransportError{HandleID: h.id, Op: "health_check", Err: err}
	}
	h.lastActive = time.Now()
	return nil
}

// Recover is the only path from StatusError back to StatusIdle: a fresh
// health check must pass. When it does not, the handle is terminated.
func (h *Handle) Recover(ctx context.Context) error {
	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		return ErrTerminated
	}
	if h.status != StatusError {
		h.mu.Unlock()
		return fmt.Errorf("recover: status is %s, not %s", h.status, StatusError)
	}
	if err := h.tr.Ping(ctx); err != nil {
		h.mu.Unlock()
		terr := &TransportError{HandleID: h.id, Op: "recover", Err: err}
		if termErr := h.Terminate(ctx, true); termErr != nil {
			h.log.Warn("terminate after failed recovery", zap.Error(termErr))
		}
		return terr
	}
	h.transitionLocked(StatusIdle)
	h.lastActive = time.Now()
	h.mu.Unlock()
	return nil
}

// Terminate shuts the process down: clean close with a bounded wait, then a
// forceful kill. It is idempotent; terminating a terminated handle is a
// no-op, not an error.
func (h *Handle) Terminate(ctx context.Context, force bool) error {
	h.mu.Lock()
	if h.status == StatusTerminated {
		h.mu.Unlock()
		return nil
	}
	h.transitionLocked(StatusTerminated)
	tr := h.tr
	grace := h.opts.TerminateGrace()
	h.mu.Unlock()

	if force {
		tr.Kill()
	} else {
		closeCtx, cancel := context.WithTimeout(ctx, grace)
		err := tr.Close(closeCtx)
		cancel()
		if err != nil {
			h.log.Warn("clean shutdown failed, killing process", zap.Error(err))
			tr.Kill()
		}
	}

	h.releaseOnce.Do(func() {
		if h.opts.ReleaseProfile != nil {
			h.opts.ReleaseProfile()
		}
	})
	h.log.Info("handle terminated", zap.Bool("force", force))
	return nil
}

// Tabs returns the ordered tab registry in one consistent pass under the
// handle lock. Snapshot capture relies on this single enumeration; it never
// re-queries the current tab while iterating.
func (h *Handle) Tabs() []Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Tab, len(h.tabs))
	copy(out, h.tabs)
	return out
}

// CurrentTab returns the active tab, or ErrNoTab.
func (h *Handle) CurrentTab() (Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.tabs {
		if t.Current {
			return t, nil
		}
	}
	return Tab{}, ErrNoTab
}

// SetNewTabHook registers the single new-tab callback. Exactly one owner may
// hold the registration; re-registering under the same owner replaces the
// callback and is a no-op semantically.
func (h *Handle) SetNewTabHook(owner string, fn func(Tab)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusTerminated {
		return ErrTerminated
	}
	if h.hookOwner != "" && h.hookOwner != owner {
		return fmt.Errorf("new-tab hook already owned by %q", h.hookOwner)
	}
	h.hookOwner = owner
	h.newTabHook = fn
	return nil
}

// ArmTab registers source to run in every future document of the tab and
// applies it to the current document as well.
func (h *Handle) ArmTab(ctx context.Context, tabID, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusTerminated {
		return ErrTerminated
	}
	if err := h.tr.InjectOnNewDocument(ctx, tabID, source); err != nil {
		return &TransportError{HandleID: h.id, Op: "inject_on_new_document", Err: err}
	}
	if err := h.tr.Eval(ctx, tabID, source); err != nil {
		return &TransportError{HandleID: h.id, Op: "eval", Err: err}
	}
	return nil
}

// Eval runs caller-supplied code in the given tab. All caller code must be
// cleared by the script safety gate before it reaches this method.
func (h *Handle) Eval(ctx context.Context, tabID, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusTerminated {
		return ErrTerminated
	}
	if err := h.tr.Eval(ctx, tabID, source); err != nil {
		return &TransportError{HandleID: h.id, Op: "eval", Err: err}
	}
	h.lastActive = time.Now()
	return nil
}

// ReplaceTabs replays desired over the handle's registry, all-or-nothing.
// With live tabs present and force unset it refuses with *ConflictError and
// leaves the registry untouched. On a replay failure partway through it
// closes every tab it opened before returning. The handle lock is held for
// the full duration so a release or retire cannot race the replay.
func (h *Handle) ReplaceTabs(ctx context.Context, desired []Tab, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusTerminated {
		return ErrTerminated
	}

	live := 0
	for _, t := range h.tabs {
		if !isBlankURL(t.URL) {
			live++
		}
	}
	if live > 0 && !force {
		return &ConflictError{HandleID: h.id, OpenTabs: live}
	}

	originals := make([]Tab, len(h.tabs))
	copy(originals, h.tabs)

	opened := make([]Tab, 0, len(desired))
	currentID := ""
	for _, d := range desired {
		t, err := h.tr.OpenTab(ctx, d.URL)
		if err != nil {
			for _, o := range opened {
				if cerr := h.tr.CloseTab(ctx, o.ID); cerr != nil {
					h.log.Warn("rollback close failed", zap.String("tab_id", o.ID), zap.Error(cerr))
				}
				h.removeTabLocked(o.ID)
			}
			h.transitionLocked(StatusError)
			return &TransportError{HandleID: h.id, Op: "replay_open_tab", Err: err}
		}
		t.Title = d.Title
		h.addTabLocked(t)
		opened = append(opened, t)
		if d.Current {
			currentID = t.ID
		}
	}

	for _, o := range originals {
		if err := h.tr.CloseTab(ctx, o.ID); err != nil {
			h.log.Warn("closing replaced tab failed", zap.String("tab_id", o.ID), zap.Error(err))
		}
		h.removeTabLocked(o.ID)
	}

	if currentID == "" && len(opened) > 0 {
		currentID = opened[0].ID
	}
	if currentID != "" {
		if err := h.tr.ActivateTab(ctx, currentID); err != nil {
			h.transitionLocked(StatusError)
			return &TransportError{HandleID: h.id, Op: "replay_activate_tab", Err: err}
		}
		h.setCurrentLocked(currentID)
	}
	h.lastActive = time.Now()
	return nil
}

func isBlankURL(u string) bool {
	return u == "" || u == "about:blank"
}

// eventLoop consumes control-channel target events and keeps the registry
// in sync. New page targets also fire the injection hook, covering tabs
// opened by in-page script that the new-document registration misses.
func (h *Handle) eventLoop() {
	defer close(h.loopDone)
	for ev := range h.tr.Events() {
		var hook func(Tab)
		h.mu.Lock()
		switch ev.Kind {
		case TargetCreated:
			h.addTabLocked(ev.Tab)
			hook = h.newTabHook
		case TargetDestroyed:
			h.removeTabLocked(ev.Tab.ID)
		case TargetUpdated:
			h.updateTabLocked(ev.Tab)
		}
		h.lastActive = time.Now()
		h.mu.Unlock()

		if hook != nil {
			hook(ev.Tab)
		}
	}
}

func (h *Handle) addTabLocked(t Tab) {
	for i := range h.tabs {
		if h.tabs[i].ID == t.ID {
			h.tabs[i].URL = t.URL
			if t.Title != "" {
				h.tabs[i].Title = t.Title
			}
			return
		}
	}
	if len(h.tabs) == 0 {
		t.Current = true
	}
	h.tabs = append(h.tabs, t)
}

func (h *Handle) removeTabLocked(id string) {
	for i := range h.tabs {
		if h.tabs[i].ID == id {
			wasCurrent := h.tabs[i].Current
			h.tabs = append(h.tabs[:i], h.tabs[i+1:]...)
			if wasCurrent && len(h.tabs) > 0 {
				h.tabs[len(h.tabs)-1].Current = true
			}
			return
		}
	}
}

func (h *Handle) updateTabLocked(t Tab) {
	for i := range h.tabs {
		if h.tabs[i].ID == t.ID {
			if t.URL != "" {
				h.tabs[i].URL = t.URL
			}
			if t.Title != "" {
				h.tabs[i].Title = t.Title
			}
			return
		}
	}
}

func (h *Handle) setCurrentLocked(id string) {
	for i := range h.tabs {
		h.tabs[i].Current = h.tabs[i].ID == id
	}
}
