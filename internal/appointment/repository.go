package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/appointment-booking/internal/scheduling"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotTaken means the (doctor, date, time) key is already held by
	// an active appointment. Raised by the storage layer's partial
	// unique index, so concurrent reservations resolve to exactly one
	// winner.
	ErrSlotTaken = errors.New("time slot is already booked")
)

// ListFilter narrows the appointment listing. Nil fields are ignored.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *Status
	Date      *time.Time
	From      *time.Time
	To        *time.Time

	Page  int
	Limit int
}

// Clamp bounds the page window to what List will actually serve. The
// HTTP layer uses the same clamp so pagination metadata always
// matches the rows returned.
func (f ListFilter) Clamp() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return f
}

// Stats is the per-status aggregation over an optional date range.
type Stats struct {
	Total     int `json:"total"`
	Today     int `json:"today"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	NoShow    int `json:"no_show"`
}

// Repository is the booking ledger: the authoritative store of
// appointment rows. Reserve and the status updates are single
// indivisible statements; the active-status unique index makes
// check-then-insert races impossible.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error)

	// Reserve atomically claims (doctor, date, time) by inserting a new
	// pending appointment. Returns ErrSlotTaken when the key is held.
	Reserve(ctx context.Context, appt *Appointment) (*Appointment, error)

	// FindActive is an advisory pre-flight check; Reserve and
	// Reschedule remain the authoritative guard.
	FindActive(ctx context.Context, doctorID uuid.UUID, date time.Time, slot scheduling.Slot, excluding *uuid.UUID) (*Appointment, error)

	// BookedTimes lists slot values held by active appointments for the
	// doctor on the date.
	BookedTimes(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]scheduling.Slot, error)

	// UpdateStatus is a compare-and-set transition; returns
	// ErrAppointmentNotFound when the row is missing or not in `from`.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// Cancel releases the slot and records who cancelled and why. Only
	// active appointments match; releasing twice is a no-op failure
	// that leaves the ledger unchanged.
	Cancel(ctx context.Context, id uuid.UUID, reason string, by Role) (*Appointment, error)

	// Complete moves confirmed to completed, attaching any clinical
	// write-ups supplied with the transition.
	Complete(ctx context.Context, id uuid.UUID, notes *string, prescription *Prescription) (*Appointment, error)

	// Reschedule moves an appointment to a new (date, time) in a single
	// compare-and-set statement; `from` pins the status the caller
	// authorized against, so a concurrent transition makes the move
	// miss. Returns ErrSlotTaken on collision, leaving the original
	// slot held.
	Reschedule(ctx context.Context, id uuid.UUID, from Status, date time.Time, slot scheduling.Slot) (*Appointment, error)

	// UpdateClinical adds notes/prescription without a status change.
	UpdateClinical(ctx context.Context, id uuid.UUID, notes *string, prescription *Prescription) (*Appointment, error)

	// RecordPayment is the payment collaborator's single mutation
	// point. The amount is never touched.
	RecordPayment(ctx context.Context, id uuid.UUID, status PaymentStatus, transactionID string) (*Appointment, error)

	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, f ListFilter) ([]Detail, int, error)
	GetStats(ctx context.Context, from, to *time.Time) (*Stats, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
