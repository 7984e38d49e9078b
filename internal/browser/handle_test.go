package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLifecycleTransitions(t *testing.T) {
	h, _ := launchFake(t)

	if got := h.Status(); got != StatusIdle {
		t.Fatalf("fresh handle status = %s, want idle", got)
	}
	if err := h.BeginUse(); err != nil {
		t.Fatalf("BeginUse: %v", err)
	}
	if err := h.BeginUse(); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second BeginUse = %v, want ErrNotIdle", err)
	}
	if err := h.EndUse(true); err != nil {
		t.Fatalf("EndUse: %v", err)
	}
	if got := h.Status(); got != StatusIdle {
		t.Fatalf("status after healthy release = %s, want idle", got)
	}

	if err := h.BeginUse(); err != nil {
		t.Fatalf("BeginUse: %v", err)
	}
	if err := h.EndUse(false); err != nil {
		t.Fatalf("EndUse(unhealthy): %v", err)
	}
	if got := h.Status(); got != StatusError {
		t.Fatalf("status after unhealthy release = %s, want error", got)
	}
	if err := h.BeginUse(); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("BeginUse on error handle = %v, want ErrNotIdle", err)
	}

	// Error -> Idle only through an explicit passing health check.
	if err := h.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := h.Status(); got != StatusIdle {
		t.Fatalf("status after recover = %s, want idle", got)
	}

	hist := h.History()
	if len(hist) < 5 {
		t.Fatalf("history has %d transitions, want >= 5", len(hist))
	}
	for i, tr := range hist {
		if tr.From == tr.To {
			t.Errorf("transition %d is a self-loop: %s", i, tr.From)
		}
	}
}

// A fault while busy (failed health check) moves the handle to the error
// state; the eventual release is accepted and leaves it there, regardless of
// what the caller reports.
func TestEndUseAfterMidUseFault(t *testing.T) {
	for _, healthy := range []bool{false, true} {
		h, ft := launchFake(t)
		if err := h.BeginUse(); err != nil {
			t.Fatal(err)
		}
		ft.setPingErr(fmt.Errorf("websocket closed"))
		if err := h.HealthCheck(context.Background()); err == nil {
			t.Fatal("health check must fail")
		}

		if err := h.EndUse(healthy); err != nil {
			t.Fatalf("EndUse(%v) after mid-use fault: %v", healthy, err)
		}
		if got := h.Status(); got != StatusError {
			t.Fatalf("status after EndUse(%v) = %s, want error", healthy, got)
		}
	}
}

func TestHealthCheckFailureMovesToError(t *testing.T) {
	h, ft := launchFake(t)
	ft.setPingErr(fmt.Errorf("websocket closed"))

	err := h.HealthCheck(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("HealthCheck = %v, want *TransportError", err)
	}
	if terr.HandleID != h.ID() {
		t.Errorf("TransportError.HandleID = %q, want %q", terr.HandleID, h.ID())
	}
	if got := h.Status(); got != StatusError {
		t.Fatalf("status = %s, want error", got)
	}
}

func TestRecoverFailureTerminates(t *testing.T) {
	h, ft := launchFake(t)
	if err := h.BeginUse(); err != nil {
		t.Fatal(err)
	}
	if err := h.EndUse(false); err != nil {
		t.Fatal(err)
	}
	ft.setPingErr(fmt.Errorf("renderer crashed"))

	err := h.Recover(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Recover = %v, want *TransportError", err)
	}
	if got := h.Status(); got != StatusTerminated {
		t.Fatalf("status after failed recover = %s, want terminated", got)
	}
	if !ft.wasKilled() {
		t.Error("failed recovery should kill the process")
	}
}

func TestTerminateIdempotentReleasesProfileOnce(t *testing.T) {
	released := 0
	ft := newFakeTransport()
	h, err := Launch(context.Background(), Options{
		Dial:           func(ctx context.Context, o Options) (Transport, error) { return ft, nil },
		ReleaseProfile: func() { released++ },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Terminate(context.Background(), false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := h.Terminate(context.Background(), false); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if released != 1 {
		t.Fatalf("profile released %d times, want exactly 1", released)
	}
	if err := h.BeginUse(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("BeginUse after terminate = %v, want ErrTerminated", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	ft := newFakeTransport()
	ft.closeErr = fmt.Errorf("browser not responding")
	h, err := Launch(context.Background(), Options{
		Dial:             func(ctx context.Context, o Options) (Transport, error) { return ft, nil },
		TerminateGraceMs: 50,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Terminate(context.Background(), false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !ft.wasKilled() {
		t.Error("failed clean close must escalate to kill")
	}
}

func TestEventLoopMaintainsRegistry(t *testing.T) {
	h, ft := launchFake(t)

	ft.events <- TargetEvent{Kind: TargetCreated, Tab: Tab{ID: "a", URL: "https://one.test/"}}
	waitFor(t, func() bool { return len(h.Tabs()) == 1 }, "first tab")

	cur, err := h.CurrentTab()
	if err != nil {
		t.Fatalf("CurrentTab: %v", err)
	}
	if cur.ID != "a" {
		t.Fatalf("current tab = %q, want %q", cur.ID, "a")
	}

	ft.events <- TargetEvent{Kind: TargetCreated, Tab: Tab{ID: "b", URL: "about:blank"}}
	waitFor(t, func() bool { return len(h.Tabs()) == 2 }, "second tab")

	ft.events <- TargetEvent{Kind: TargetUpdated, Tab: Tab{ID: "b", URL: "https://two.test/", Title: "Two"}}
	waitFor(t, func() bool {
		for _, tab := range h.Tabs() {
			if tab.ID == "b" && tab.URL == "https://two.test/" && tab.Title == "Two" {
				return true
			}
		}
		return false
	}, "tab update")

	// Destroying the current tab reassigns current instead of leaving none.
	ft.events <- TargetEvent{Kind: TargetDestroyed, Tab: Tab{ID: "a"}}
	waitFor(t, func() bool { return len(h.Tabs()) == 1 }, "tab removal")
	cur, err = h.CurrentTab()
	if err != nil {
		t.Fatalf("CurrentTab after destroy: %v", err)
	}
	if cur.ID != "b" {
		t.Fatalf("current after destroy = %q, want %q", cur.ID, "b")
	}
}

func TestLaunchErrorTyping(t *testing.T) {
	_, err := Launch(context.Background(), Options{
		Dial: func(ctx context.Context, o Options) (Transport, error) {
			return nil, fmt.Errorf("dial tcp: connection refused")
		},
	})
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Launch = %v, want *LaunchError", err)
	}
	if le.Reason != ReasonConnectFailed {
		t.Errorf("reason = %q, want %q", le.Reason, ReasonConnectFailed)
	}

	_, err = Launch(context.Background(), Options{
		Profile: "work",
		Dial: func(ctx context.Context, o Options) (Transport, error) {
			return nil, &LaunchError{Reason: ReasonProfileLocked, Profile: o.Profile}
		},
	})
	if !errors.As(err, &le) {
		t.Fatalf("Launch = %v, want *LaunchError", err)
	}
	if le.Reason != ReasonProfileLocked || le.Profile != "work" {
		t.Errorf("got reason=%q profile=%q, want profile_locked/work", le.Reason, le.Profile)
	}
}

func TestReplaceTabsConflictGuard(t *testing.T) {
	h, ft := launchFake(t)
	ft.events <- TargetEvent{Kind: TargetCreated, Tab: Tab{ID: "live", URL: "https://mail.test/"}}
	waitFor(t, func() bool { return len(h.Tabs()) == 1 }, "live tab")

	desired := []Tab{{URL: "https://one.test/"}, {URL: "https://two.test/", Current: true}}
	err := h.ReplaceTabs(context.Background(), desired, false)
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("ReplaceTabs = %v, want *ConflictError", err)
	}
	if cerr.OpenTabs != 1 {
		t.Errorf("ConflictError.OpenTabs = %d, want 1", cerr.OpenTabs)
	}
	if len(h.Tabs()) != 1 || h.Tabs()[0].ID != "live" {
		t.Fatal("refused replace must leave the registry untouched")
	}

	if err := h.ReplaceTabs(context.Background(), desired, true); err != nil {
		t.Fatalf("forced ReplaceTabs: %v", err)
	}
	tabs := h.Tabs()
	if len(tabs) != 2 {
		t.Fatalf("registry has %d tabs, want 2", len(tabs))
	}
	cur, err := h.CurrentTab()
	if err != nil {
		t.Fatal(err)
	}
	if cur.URL != "https://two.test/" {
		t.Errorf("current tab URL = %q, want the flagged one", cur.URL)
	}
	if got := ft.tabsClosed(); len(got) != 1 || got[0] != "live" {
		t.Errorf("closed tabs = %v, want [live]", got)
	}
}

// A blank-only registry does not count as live state: restoring into a
// freshly launched handle needs no force.
func TestReplaceTabsBlankRegistryNeedsNoForce(t *testing.T) {
	h, ft := launchFake(t)
	ft.events <- TargetEvent{Kind: TargetCreated, Tab: Tab{ID: "init", URL: "about:blank"}}
	waitFor(t, func() bool { return len(h.Tabs()) == 1 }, "initial blank tab")

	if err := h.ReplaceTabs(context.Background(), []Tab{{URL: "https://one.test/"}}, false); err != nil {
		t.Fatalf("ReplaceTabs over blank registry: %v", err)
	}
	if len(h.Tabs()) != 1 || h.Tabs()[0].URL != "https://one.test/" {
		t.Fatalf("unexpected registry after replace: %+v", h.Tabs())
	}
}

func TestReplaceTabsRollsBackOnFailure(t *testing.T) {
	h, ft := launchFake(t)
	ft.openFailFrom = 1 // first open succeeds, second fails

	desired := []Tab{{URL: "https://one.test/"}, {URL: "https://two.test/"}}
	err := h.ReplaceTabs(context.Background(), desired, false)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("ReplaceTabs = %v, want *TransportError", err)
	}
	if got := ft.tabsClosed(); len(got) != 1 {
		t.Fatalf("rollback closed %v, want exactly the one opened tab", got)
	}
	if len(h.Tabs()) != 0 {
		t.Fatalf("registry not rolled back: %+v", h.Tabs())
	}
	if h.Status() != StatusError {
		t.Fatalf("status = %s, want error after failed replay", h.Status())
	}
}

func TestArmTabAppliesScriptBothWays(t *testing.T) {
	h, ft := launchFake(t)
	ft.events <- TargetEvent{Kind: TargetCreated, Tab: Tab{ID: "a", URL: "about:blank"}}
	waitFor(t, func() bool { return len(h.Tabs()) == 1 }, "tab")

	if err := h.ArmTab(context.Background(), "a", "void 0;"); err != nil {
		t.Fatalf("ArmTab: %v", err)
	}
	if ft.injectedInto("a") != 1 {
		t.Error("script not registered for future documents")
	}
	ft.mu.Lock()
	evals := len(ft.evals["a"])
	ft.mu.Unlock()
	if evals != 1 {
		t.Error("script not applied to the current document")
	}
}

func TestNewTabHookSingleOwner(t *testing.T) {
	h, _ := launchFake(t)
	if err := h.SetNewTabHook("inject-engine", func(Tab) {}); err != nil {
		t.Fatalf("SetNewTabHook: %v", err)
	}
	// Same owner may replace its own callback.
	if err := h.SetNewTabHook("inject-engine", func(Tab) {}); err != nil {
		t.Fatalf("re-register by owner: %v", err)
	}
	if err := h.SetNewTabHook("other", func(Tab) {}); err == nil {
		t.Fatal("second owner must be rejected")
	}
}
