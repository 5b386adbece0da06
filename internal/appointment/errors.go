package appointment

import "errors"

var (
	// Validation class: rejected before touching the ledger.
	ErrClosedDay         = errors.New("appointments cannot be booked on the closed day")
	ErrSlotNotInCatalog  = errors.New("invalid time slot for this day")
	ErrDoctorUnavailable = errors.New("doctor is not available at this time")
	ErrReasonRequired    = errors.New("appointment reason is required")
	ErrReasonTooLong     = errors.New("reason cannot exceed 500 characters")
	ErrNotesTooLong      = errors.New("notes cannot exceed 1000 characters")
	ErrInvalidDuration   = errors.New("duration must be between 15 and 180 minutes")
	ErrInvalidType       = errors.New("unknown appointment type")
	ErrCancelReason      = errors.New("cancellation reason is required")
	ErrInvalidPatch      = errors.New("unsupported combination of update fields")

	// ErrForbidden means the actor's role does not permit the requested
	// operation on this record.
	ErrForbidden = errors.New("not authorized for this appointment")

	// ErrInvalidTransition means the requested status change is not an
	// edge of the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSlotBeingBooked means another request holds the slot lock;
	// safely retryable after a fresh availability read.
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

	ErrInvalidPaymentStatus = errors.New("unknown payment status")
)
