// Package inject arms session handles with the fingerprint-masking script.
//
// Arming registers the script through the control channel's run-before-any-
// page-script path for every existing tab and subscribes to the handle's
// new-tab events to cover targets that registration does not reach (tabs
// opened by in-page script rather than native tab creation — a protocol
// limitation this engine mitigates, not eliminates). There is no polling.
package inject

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"browserd/internal/browser"

	"go.uber.org/zap"
)

// ScriptVersion identifies the embedded masking payload. Bump together with
// mask.js so armed-handle bookkeeping can tell stale registrations apart.
const ScriptVersion = 3

//go:embed mask.js
var maskJS string

const hookOwner = "inject-engine"

// Screen is the persona's reported screen geometry.
type Screen struct {
	Width       int `json:"width,omitempty"`
	Height      int `json:"height,omitempty"`
	AvailWidth  int `json:"availWidth,omitempty"`
	AvailHeight int `json:"availHeight,omitempty"`
	ColorDepth  int `json:"colorDepth,omitempty"`
	PixelDepth  int `json:"pixelDepth,omitempty"`
}

// Persona parameterizes the masking script. The zero value masks only the
// webdriver/plugins/permissions signals.
type Persona struct {
	UserAgent           string   `json:"userAgent,omitempty"`
	Platform            string   `json:"platform,omitempty"`
	Languages           []string `json:"languages,omitempty"`
	HardwareConcurrency int      `json:"hardwareConcurrency,omitempty"`
	Screen              *Screen  `json:"screen,omitempty"`
}

// Render produces the full payload: persona constant plus the versioned
// template. The template itself is never string-built at runtime; only the
// persona JSON varies.
func Render(p Persona) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal persona: %w", err)
	}
	return fmt.Sprintf("const __BROWSERD_PERSONA__ = %s;\n%s", data, maskJS), nil
}

type registration struct {
	handleID string
	version  int
	armedAt  time.Time
}

// Engine keeps exactly one active registration per live handle and re-arms
// idempotently: arming an already-armed handle is a no-op.
type Engine struct {
	log    *zap.Logger
	script string

	mu    sync.Mutex
	armed map[string]registration
}

// NewEngine renders the payload for persona once and reuses it for every
// handle.
func NewEngine(persona Persona, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	script, err := Render(persona)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:    log.Named("inject"),
		script: script,
		armed:  make(map[string]registration),
	}, nil
}

// Arm registers the masking script on every current tab of the handle and
// hooks new-tab events for future coverage. Safe to call on every pool
// issuance; repeat calls verify and return.
func (e *Engine) Arm(ctx context.Context, h *browser.Handle) error {
	e.mu.Lock()
	if reg, ok := e.armed[h.ID()]; ok && reg.version == ScriptVersion {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := h.SetNewTabHook(hookOwner, func(tab browser.Tab) {
		e.onNewTab(h, tab)
	}); err != nil {
		return fmt.Errorf("arm %s: %w", h.ID(), err)
	}

	for _, tab := range h.Tabs() {
		if err := h.ArmTab(ctx, tab.ID, e.script); err != nil {
			return fmt.Errorf("arm %s tab %s: %w", h.ID(), tab.ID, err)
		}
	}

	e.mu.Lock()
	e.armed[h.ID()] = registration{handleID: h.ID(), version: ScriptVersion, armedAt: time.Now()}
	e.mu.Unlock()

	e.log.Debug("handle armed",
		zap.String("handle_id", h.ID()),
		zap.Int("script_version", ScriptVersion))
	return nil
}

// EnsureArmed is the pool-facing alias: every handle issued from the pool
// passes through here before a caller sees it.
func (e *Engine) EnsureArmed(ctx context.Context, h *browser.Handle) error {
	return e.Arm(ctx, h)
}

// Disarm drops the registration bookkeeping for a retired handle.
func (e *Engine) Disarm(handleID string) {
	e.mu.Lock()
	delete(e.armed, handleID)
	e.mu.Unlock()
}

// Armed reports whether the handle currently holds a registration at the
// current script version.
func (e *Engine) Armed(handleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.armed[handleID]
	return ok && reg.version == ScriptVersion
}

// onNewTab re-applies the script to a target the new-document registration
// did not automatically propagate to. The payload carries its own document
// marker, so double application is harmless.
func (e *Engine) onNewTab(h *browser.Handle, tab browser.Tab) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.ArmTab(ctx, tab.ID, e.script); err != nil {
		e.log.Warn("re-arm on new tab failed",
			zap.String("handle_id", h.ID()),
			zap.String("tab_id", tab.ID),
			zap.Error(err))
	}
}
