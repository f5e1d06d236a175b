package loader

// strategy is how a load cycle obtains the entry point.
type strategy int

const (
	// strategyConstruct: the entry point is already defined.
	strategyConstruct strategy = iota
	// strategyAwaitForeign: another code path added a script for the
	// resource; poll for the entry point.
	strategyAwaitForeign
	// strategyInject: add our own script element and wait for its event.
	strategyInject
)

func (s strategy) String() string {
	switch s {
	case strategyConstruct:
		return "construct"
	case strategyAwaitForeign:
		return "await_foreign"
	case strategyInject:
		return "inject"
	default:
		return "unknown"
	}
}
