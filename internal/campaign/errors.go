package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("campaign not found")
	ErrInvalidState       = errors.New("campaign is in an invalid state for this operation")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrValidation         = errors.New("validation failed")
	ErrEnqueue            = errors.New("failed to enqueue delivery jobs")
	ErrDispatchInProgress = errors.New("dispatch already in progress")
)

// InvalidTransitionError names the rejected edge of the status table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
