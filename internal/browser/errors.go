package browser

import (
	"errors"
	"fmt"
)

// Launch failure reasons, reported by LaunchError.Reason.
const (
	ReasonBinaryMissing = "binary_missing"
	ReasonProfileLocked = "profile_locked"
	ReasonConnectFailed = "connect_failed"
)

// LaunchError reports a failed attempt to start a browser process or to
// connect to its control channel. Launch never retries; the caller decides.
type LaunchError struct {
	Reason  string
	Profile string
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Profile != "" {
		return fmt.Sprintf("launch failed (%s, profile %q): %v", e.Reason, e.Profile, e.Err)
	}
	return fmt.Sprintf("launch failed (%s): %v", e.Reason, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TransportError reports a control-channel failure during an in-progress
// operation. It moves the handle to StatusError; it is never swallowed or
// downgraded to a boolean.
type TransportError struct {
	HandleID string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on handle %s during %s: %v", e.HandleID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError reports a refused tab replacement: the target handle holds
// live tabs and the caller did not pass force. The target is left untouched.
type ConflictError struct {
	HandleID string
	OpenTabs int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("handle %s has %d open tabs; pass force to overwrite", e.HandleID, e.OpenTabs)
}

var (
	// ErrTerminated is returned by state-changing operations on a handle
	// that already reached StatusTerminated.
	ErrTerminated = errors.New("handle is terminated")

	// ErrNotIdle is returned by BeginUse when the handle is not available.
	ErrNotIdle = errors.New("handle is not idle")

	// ErrNotBusy is returned by EndUse when the handle is not checked out.
	ErrNotBusy = errors.New("handle is not busy")

	// ErrNoTab is returned by CurrentTab when the registry has no active tab.
	ErrNoTab = errors.New("handle has no current tab")
)
