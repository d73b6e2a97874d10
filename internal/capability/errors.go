package capability

import "fmt"

// UnknownCapabilityError is returned when a name is not registered.
type UnknownCapabilityError struct {
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// ArgumentError reports a descriptor whose arguments do not match the
// capability's declared arguments.
type ArgumentError struct {
	Capability string
	Arg        string
	Reason     string
}

func (e *ArgumentError) Error() string {
	if e.Arg == "" {
		return fmt.Sprintf("capability %q: %s", e.Capability, e.Reason)
	}
	return fmt.Sprintf("capability %q argument %q: %s", e.Capability, e.Arg, e.Reason)
}
