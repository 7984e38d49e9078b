package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// rodTransport speaks CDP to one Chrome process through go-rod. The
// transport owns its own context so the process outlives the launch call.
type rodTransport struct {
	browser *rod.Browser
	lc      *launcher.Launcher
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	events chan TargetEvent
}

// dialRod launches Chrome against the resolved profile directory and
// connects the DevTools channel. One attempt, typed failure, no retries.
func dialRod(ctx context.Context, opts Options) (Transport, error) {
	bin := opts.BinPath
	if bin == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return nil, &LaunchError{
				Reason:  ReasonBinaryMissing,
				Profile: opts.Profile,
				Err:     fmt.Errorf("no chromium binary on PATH and browser.bin_path unset"),
			}
		}
		bin = found
	} else if _, err := os.Stat(bin); err != nil {
		return nil, &LaunchError{Reason: ReasonBinaryMissing, Profile: opts.Profile, Err: err}
	}

	if opts.ProfileDir != "" {
		lock := filepath.Join(opts.ProfileDir, "SingletonLock")
		if _, err := os.Lstat(lock); err == nil {
			return nil, &LaunchError{
				Reason:  ReasonProfileLocked,
				Profile: opts.Profile,
				Err:     fmt.Errorf("profile directory already in use: %s", lock),
			}
		}
	}

	lc := launcher.New().
		Bin(bin).
		Headless(opts.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("disable-default-apps").
		Set("disable-hang-monitor").
		Set("disable-session-crashed-bubble").
		Set("hide-crash-restore-bubble")
	lc = lc.Delete(flags.Flag("enable-automation"))
	if opts.ProfileDir != "" {
		lc = lc.UserDataDir(opts.ProfileDir)
	}
	if opts.UserAgent != "" {
		lc = lc.Set("user-agent", opts.UserAgent)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		lc = lc.Set("window-size", fmt.Sprintf("%d,%d", opts.ViewportWidth, opts.ViewportHeight))
	}

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, &LaunchError{Reason: ReasonConnectFailed, Profile: opts.Profile, Err: err}
	}

	// The transport context deliberately detaches from the launch context:
	// pooled handles outlive the acquire call that created them.
	trCtx, cancel := context.WithCancel(context.Background())

	browser := rod.New().ControlURL(controlURL).Context(trCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		lc.Kill()
		return nil, &LaunchError{Reason: ReasonConnectFailed, Profile: opts.Profile, Err: err}
	}

	t := &rodTransport{
		browser: browser,
		lc:      lc,
		opts:    opts,
		ctx:     trCtx,
		cancel:  cancel,
		events:  make(chan TargetEvent, 32),
	}

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		cancel()
		lc.Kill()
		return nil, &LaunchError{Reason: ReasonConnectFailed, Profile: opts.Profile, Err: err}
	}
	go t.streamEvents()

	return t, nil
}

// streamEvents translates CDP target notifications into TargetEvents.
// Subscription replaces polling: no fixed-interval tab list scans anywhere.
func (t *rodTransport) streamEvents() {
	defer close(t.events)
	wait := t.browser.EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if ev.TargetInfo.Type != "page" {
				return
			}
			t.emit(TargetEvent{Kind: TargetCreated, Tab: tabFromInfo(ev.TargetInfo)})
		},
		func(ev *proto.TargetTargetInfoChanged) {
			if ev.TargetInfo.Type != "page" {
				return
			}
			t.emit(TargetEvent{Kind: TargetUpdated, Tab: tabFromInfo(ev.TargetInfo)})
		},
		func(ev *proto.TargetTargetDestroyed) {
			t.emit(TargetEvent{Kind: TargetDestroyed, Tab: Tab{ID: string(ev.TargetID)}})
		},
	)
	wait()
}

func (t *rodTransport) emit(ev TargetEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func tabFromInfo(info *proto.TargetTargetInfo) Tab {
	return Tab{ID: string(info.TargetID), URL: info.URL, Title: info.Title}
}

func (t *rodTransport) Ping(ctx context.Context) error {
	_, err := t.browser.Context(ctx).Version()
	return err
}

func (t *rodTransport) page(tabID string) (*rod.Page, error) {
	return t.browser.PageFromTarget(proto.TargetTargetID(tabID))
}

func (t *rodTransport) InjectOnNewDocument(ctx context.Context, tabID, source string) error {
	page, err := t.page(tabID)
	if err != nil {
		return err
	}
	_, err = proto.PageAddScriptToEvaluateOnNewDocument{Source: source}.Call(page.Context(ctx))
	return err
}

func (t *rodTransport) Eval(ctx context.Context, tabID, source string) error {
	page, err := t.page(tabID)
	if err != nil {
		return err
	}
	_, err = proto.RuntimeEvaluate{Expression: source}.Call(page.Context(ctx))
	return err
}

func (t *rodTransport) OpenTab(ctx context.Context, url string) (Tab, error) {
	if url == "" {
		url = "about:blank"
	}
	page, err := t.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return Tab{}, err
	}
	// Bounded wait; a slow page must not wedge a snapshot replay.
	_ = page.Timeout(t.opts.NavigationTimeout()).WaitLoad()
	return Tab{ID: string(page.TargetID), URL: url}, nil
}

func (t *rodTransport) CloseTab(ctx context.Context, tabID string) error {
	page, err := t.page(tabID)
	if err != nil {
		return err
	}
	return page.Context(ctx).Close()
}

func (t *rodTransport) ActivateTab(ctx context.Context, tabID string) error {
	page, err := t.page(tabID)
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Activate()
	return err
}

func (t *rodTransport) Events() <-chan TargetEvent { return t.events }

func (t *rodTransport) Close(ctx context.Context) error {
	defer t.cancel()
	done := make(chan error, 1)
	go func() { done <- t.browser.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *rodTransport) Kill() {
	t.cancel()
	if t.lc != nil {
		t.lc.Kill()
	}
}
