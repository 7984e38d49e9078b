package browser

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport implements Transport in-memory so lifecycle and registry
// behavior can be tested without a Chrome process.
type fakeTransport struct {
	mu        sync.Mutex
	events    chan TargetEvent
	closeOnce sync.Once

	pingErr      error
	closeErr     error
	evalErr      error
	injectErr    error
	activateErr  error
	openFailFrom int // fail OpenTab once this many tabs were opened

	nextID     int
	injected   map[string][]string
	evals      map[string][]string
	openedTabs []string
	closedTabs []string
	activated  []string
	killed     bool
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:   make(chan TargetEvent, 16),
		injected: make(map[string][]string),
		evals:    make(map[string][]string),
	}
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) InjectOnNewDocument(ctx context.Context, tabID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected[tabID] = append(f.injected[tabID], source)
	return nil
}

func (f *fakeTransport) Eval(ctx context.Context, tabID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return f.evalErr
	}
	f.evals[tabID] = append(f.evals[tabID], source)
	return nil
}

func (f *fakeTransport) OpenTab(ctx context.Context, url string) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openFailFrom > 0 && len(f.openedTabs) >= f.openFailFrom {
		return Tab{}, fmt.Errorf("open tab: transport gone")
	}
	f.nextID++
	id := fmt.Sprintf("tab-%d", f.nextID)
	f.openedTabs = append(f.openedTabs, id)
	return Tab{ID: id, URL: url}, nil
}

func (f *fakeTransport) CloseTab(ctx context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedTabs = append(f.closedTabs, tabID)
	return nil
}

func (f *fakeTransport) ActivateTab(ctx context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, tabID)
	return nil
}

func (f *fakeTransport) Events() <-chan TargetEvent { return f.events }

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	err := f.closeErr
	f.closed = true
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) Kill() {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeTransport) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeTransport) injectedInto(tabID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injected[tabID])
}

func (f *fakeTransport) tabsClosed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closedTabs))
	copy(out, f.closedTabs)
	return out
}

func launchFake(t *testing.T) (*Handle, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	h, err := Launch(context.Background(), Options{
		Dial: func(ctx context.Context, o Options) (Transport, error) { return ft, nil },
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Terminate(context.Background(), true) })
	return h, ft
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
