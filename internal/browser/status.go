package browser

// Status is the lifecycle state of a Handle.
//
// Transitions:
//
//	Idle -> Busy            BeginUse
//	Busy -> Idle            EndUse(healthy)
//	Busy -> Error           EndUse(!healthy), transport failure
//	Idle -> Error           failed health check
//	Error -> Idle           Recover (fresh health check passes)
//	Error -> Terminated     Recover fails, or Terminate
//	any  -> Terminated      Terminate
//
// Terminated is terminal; no state permits re-entry after it.
type Status int32

const (
	StatusIdle Status = iota
	StatusBusy
	StatusError
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}
