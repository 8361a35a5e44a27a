package billing

import (
	"fmt"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

var (
	ErrNotFound          = errs.ErrNotFound
	ErrAlreadyExists     = errs.ErrAlreadyExists
	ErrInvalidTransition = errs.ErrInvalidTransition
	ErrStoreUnavailable  = errs.ErrStoreUnavailable
	ErrConflict          = errs.ErrConflict
)

// TransitionError is returned when a trigger is not allowed from the
// current status. It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From    Status
	Trigger Trigger
	Reason  string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition: %s from %s: %s", e.Trigger, e.From, e.Reason)
	}
	return fmt.Sprintf("invalid transition: %s from %s", e.Trigger, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
