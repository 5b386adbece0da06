package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/medibook/appointment-booking/internal/scheduling"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no-show"
)

// IsActive reports whether the status still occupies its slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed
}

// IsTerminal reports whether no further status transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Type string

const (
	TypeInPerson Type = "in-person"
	TypeVideo    Type = "video"
	TypePhone    Type = "phone"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	MethodCash      PaymentMethod = "cash"
	MethodCard      PaymentMethod = "card"
	MethodInsurance PaymentMethod = "insurance"
	MethodOnline    PaymentMethod = "online"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Actor is the authenticated principal performing an operation,
// supplied by the identity provider and trusted by the engine.
type Actor struct {
	ID       uuid.UUID
	Role     Role
	DoctorID *uuid.UUID // set when Role is doctor
}

type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type Prescription struct {
	Medications     []Medication `json:"medications,omitempty"`
	Diagnosis       string       `json:"diagnosis,omitempty"`
	Recommendations string       `json:"recommendations,omitempty"`
	FollowUpDate    *time.Time   `json:"follow_up_date,omitempty"`
}

// Payment carries the fields the engine owns. Amount is copied from the
// doctor's consultation fee at creation and never changes; status and
// transaction id are written only through the payment callback.
type Payment struct {
	Amount        int64
	Status        PaymentStatus
	Method        PaymentMethod
	TransactionID *string
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	ServiceID *uuid.UUID

	Date     time.Time // calendar date, clock component zero
	Time     scheduling.Slot
	Duration int // minutes
	Type     Type

	Status             Status
	CancellationReason *string
	CancelledBy        *Role

	Reason       string
	Symptoms     []string
	Notes        *string
	Prescription *Prescription

	Payment      Payment
	ReminderSent bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Patient is the slice of the external user store the engine reads for
// validation and notification payloads.
type Patient struct {
	ID    uuid.UUID
	Name  string
	Email *string
}

// EventLog is a best-effort audit row emitted alongside mutations.
type EventLog struct {
	ID            uuid.UUID
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Detail is an appointment hydrated with the names the API returns.
type Detail struct {
	Appointment
	PatientName  string
	PatientEmail *string
	DoctorName   string
}
