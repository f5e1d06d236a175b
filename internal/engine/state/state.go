// Package state provides the lifecycle phases shared by loaders, the status
// API and the warmer.
package state

import (
	"encoding/json"
	"fmt"
)

// Phase represents the lifecycle phase of one external resource.
type Phase int32

const (
	// PhaseUnloaded indicates no load has happened yet, or the last one failed
	// and the state was reset.
	PhaseUnloaded Phase = iota

	// PhaseLoading indicates a load attempt is in flight.
	PhaseLoading

	// PhaseReady indicates the client handle has been constructed and cached.
	PhaseReady

	// PhaseFailed indicates the current attempt failed. It is transient: the
	// loader resets to PhaseUnloaded right after recording the failure.
	PhaseFailed
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUnloaded:
		return "unloaded"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", p)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = ParsePhase(str)
	return nil
}

// ParsePhase converts a string to Phase. Unrecognised input maps to
// PhaseUnloaded.
func ParsePhase(s string) Phase {
	switch s {
	case "unloaded", "":
		return PhaseUnloaded
	case "loading":
		return PhaseLoading
	case "ready", "loaded":
		return PhaseReady
	case "failed", "error":
		return PhaseFailed
	default:
		return PhaseUnloaded
	}
}

// IsReady returns true if a cached handle exists.
func (p Phase) IsReady() bool {
	return p == PhaseReady
}

// IsLoading returns true if an attempt is in flight.
func (p Phase) IsLoading() bool {
	return p == PhaseLoading
}

// CanStart returns true if a new load attempt may begin from this phase.
func (p Phase) CanStart() bool {
	return p == PhaseUnloaded
}

// Gauge returns the numeric value exported for the phase.
func (p Phase) Gauge() float64 {
	return float64(p)
}

// ValidTransitions defines allowed phase transitions.
var ValidTransitions = map[Phase][]Phase{
	PhaseUnloaded: {PhaseLoading},
	PhaseLoading:  {PhaseReady, PhaseFailed},
	PhaseFailed:   {PhaseUnloaded},
	PhaseReady:    {},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Phase) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid phase transition.
type TransitionError struct {
	From Phase
	To   Phase
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Phase) TransitionError {
	return TransitionError{From: from, To: to}
}
