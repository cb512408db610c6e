package cancellation

import (
	"errors"
	"fmt"
)

// Precondition failures. No side effects have happened when these return.
var (
	ErrEventNotFound   = errors.New("event not found")
	ErrNotOwner        = errors.New("only the event's host can cancel it")
	ErrAlreadyCanceled = errors.New("event already canceled")
	ErrNotCancelable   = errors.New("event cannot be canceled from its current status")
	ErrNotCanceled     = errors.New("event is not canceled")
)

// Penalty failures. The event stays live.
var (
	ErrPenaltyDeclined = errors.New("penalty charge declined")
	ErrPenaltyPending  = errors.New("penalty charge still processing")
	ErrPenaltyFailed   = errors.New("penalty charge could not be completed")
)

// ActionRequiredError means the host must finish card authentication out of
// band and then retry the cancellation.
type ActionRequiredError struct {
	ClientToken string
	ChargeRef   string
	AmountCents int64
}

func (e *ActionRequiredError) Error() string {
	return fmt.Sprintf("penalty charge %s requires additional authentication", e.ChargeRef)
}

// Taxonomy codes returned to callers.
const (
	CodeNotFound        = "not_found"
	CodeNotOwner        = "not_owner"
	CodeAlreadyCanceled = "already_canceled"
	CodeNotCancelable   = "not_cancelable"
	CodeNotCanceled     = "not_canceled"
	CodeDeclined        = "penalty_declined"
	CodeRequiresAction  = "penalty_requires_action"
	CodePending         = "penalty_pending"
	CodePenaltyFailed   = "penalty_failed"
	CodeInternal        = "internal"
)

// Code maps an error to its taxonomy code.
func Code(err error) string {
	var action *ActionRequiredError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &action):
		return CodeRequiresAction
	case errors.Is(err, ErrEventNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, ErrAlreadyCanceled):
		return CodeAlreadyCanceled
	case errors.Is(err, ErrNotCancelable):
		return CodeNotCancelable
	case errors.Is(err, ErrNotCanceled):
		return CodeNotCanceled
	case errors.Is(err, ErrPenaltyDeclined):
		return CodeDeclined
	case errors.Is(err, ErrPenaltyPending):
		return CodePending
	case errors.Is(err, ErrPenaltyFailed):
		return CodePenaltyFailed
	default:
		return CodeInternal
	}
}
