package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskNotFound is returned for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// CycleError reports a dependency cycle. Path lists task IDs along the
// cycle in depends-on direction, starting and ending with the same ID.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}
