package loader

import (
	"errors"
	"fmt"
)

// Failure kinds of a load cycle. Every failed Acquire returns a *LoadError
// whose Kind is one of these, so errors.Is works against them directly.
var (
	ErrConstruction         = errors.New("construction failed")
	ErrLoadTimeout          = errors.New("timed out waiting for foreign script")
	ErrScriptLoad           = errors.New("script failed to load")
	ErrUnavailableAfterLoad = errors.New("entry point unavailable after load")
)

// Errors returned before a load cycle starts.
var (
	ErrInvalidOptions    = errors.New("invalid options")
	ErrInvalidResource   = errors.New("invalid resource")
	ErrUnknownResource   = errors.New("unknown resource")
	ErrDuplicateResource = errors.New("resource already registered")
)

// LoadError is the error every joined caller of a failed load cycle receives.
type LoadError struct {
	Resource string
	Kind     error
	Err      error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Resource, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Resource, e.Kind)
}

func (e *LoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newLoadError(resource string, kind, err error) *LoadError {
	return &LoadError{Resource: resource, Kind: kind, Err: err}
}

// KindName returns the short label of err's failure kind, used in metrics,
// events and API responses. It returns "" for errors outside the taxonomy.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConstruction):
		return "construction"
	case errors.Is(err, ErrLoadTimeout):
		return "load_timeout"
	case errors.Is(err, ErrScriptLoad):
		return "script_load"
	case errors.Is(err, ErrUnavailableAfterLoad):
		return "unavailable_after_load"
	case errors.Is(err, ErrInvalidOptions):
		return "invalid_options"
	case errors.Is(err, ErrUnknownResource):
		return "unknown_resource"
	default:
		return ""
	}
}
