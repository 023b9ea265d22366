package mcp

// LifecycleState is a session's position in the New → Initialized →
// Operational state machine (§4.7).
type LifecycleState int

const (
	StateNew LifecycleState = iota
	StateInitialized
	StateOperational
)

// Lifecycle enforces the gate: which methods are callable in which state,
// and negotiates the protocol version during initialize.
type Lifecycle struct {
	// Strict requires notifications/initialized before any operational
	// method is allowed; non-strict allows operational methods as soon
	// as initialize has completed, tolerating clients that skip the
	// notification.
	Strict bool
}

// NewLifecycle builds a Lifecycle gate.
func NewLifecycle(strict bool) *Lifecycle {
	return &Lifecycle{Strict: strict}
}

// Allow reports whether method may run while a session is in state.
// initialize is only valid from StateNew; notifications/initialized only
// from StateInitialized; ping is allowed in every state; every other
// method requires at least StateInitialized, and StateOperational under
// Strict.
func (l *Lifecycle) Allow(state LifecycleState, method string) error {
	switch method {
	case "initialize":
		if state != StateNew {
			return NewError(KindLifecycleViolation, "session already initialized")
		}
		return nil
	case "notifications/initialized":
		if state != StateInitialized {
			return NewError(KindLifecycleViolation, "notifications/initialized sent before initialize completed")
		}
		return nil
	case "ping":
		return nil
	default:
		if state == StateNew {
			return NewError(KindLifecycleViolation, "session not yet initialized")
		}
		if l.Strict && state != StateOperational {
			return NewError(KindLifecycleViolation, "client has not sent notifications/initialized")
		}
		return nil
	}
}

// NextState computes the state transition for method, assuming Allow
// already permitted it.
func (l *Lifecycle) NextState(state LifecycleState, method string) LifecycleState {
	switch method {
	case "initialize":
		return StateInitialized
	case "notifications/initialized":
		return StateOperational
	default:
		return state
	}
}

// NegotiateVersion implements the §4.7 algorithm: exact match wins;
// otherwise the highest known version no greater than requested; a
// request newer than every known version naturally resolves to the
// latest, since every known version is "no greater than" it.
func NegotiateVersion(requested string) (string, error) {
	for _, v := range ProtocolVersions {
		if v == requested {
			return v, nil
		}
	}
	best := ""
	for _, v := range ProtocolVersions {
		if v <= requested && v > best {
			best = v
		}
	}
	if best == "" {
		return "", NewError(KindVersionNegotiationFailed, "no compatible protocol version")
	}
	return best, nil
}
