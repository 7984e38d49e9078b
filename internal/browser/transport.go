package browser

import "context"

// Tab describes one page target of a browser process. The registry inside
// Handle is the only writer; other components read copies.
type Tab struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Current bool   `json:"current"`
}

// TargetEventKind classifies control-channel target notifications.
type TargetEventKind int

const (
	TargetCreated TargetEventKind = iota
	TargetDestroyed
	TargetUpdated
)

// TargetEvent is one target-created/destroyed/info-changed notification
// translated from the control channel. Event subscription replaces tab
// polling everywhere in this codebase.
type TargetEvent struct {
	Kind TargetEventKind
	Tab  Tab
}

// Transport is the control channel to one running browser process. The
// production implementation speaks CDP through go-rod; tests substitute a
// fake via Options.Dial.
type Transport interface {
	// Ping performs a cheap liveness round-trip (browser version query).
	Ping(ctx context.Context) error

	// InjectOnNewDocument registers source to run before any page script in
	// every future document of the given tab.
	InjectOnNewDocument(ctx context.Context, tabID, source string) error

	// Eval executes source in the current document of the given tab.
	Eval(ctx context.Context, tabID, source string) error

	// OpenTab creates a page target and returns its descriptor.
	OpenTab(ctx context.Context, url string) (Tab, error)

	CloseTab(ctx context.Context, tabID string) error
	ActivateTab(ctx context.Context, tabID string) error

	// Events yields target notifications. The channel closes when the
	// transport shuts down.
	Events() <-chan TargetEvent

	// Close asks the process to exit cleanly and releases the channel.
	Close(ctx context.Context) error

	// Kill forcefully ends the process. Used after Close exceeds its bound.
	Kill()
}

// DialFunc starts (or connects to) a browser process and returns its
// transport. The default dialer launches Chrome through go-rod's launcher.
type DialFunc func(ctx context.Context, opts Options) (Transport, error)
