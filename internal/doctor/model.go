package doctor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDoctorNotFound = errors.New("doctor not found")

// Availability is a doctor's working window for one weekday. Authored
// through profile edits; read-only to the scheduling engine.
type Availability struct {
	Weekday     time.Weekday
	StartTime   string // "HH:MM"
	EndTime     string // "HH:MM"
	IsAvailable bool
}

type Doctor struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Name            string
	Specialization  string
	ConsultationFee int64 // minor currency units
	Availability    []Availability
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ForWeekday returns the availability record for the given weekday, or
// nil when the doctor has none.
func (d *Doctor) ForWeekday(w time.Weekday) *Availability {
	for i := range d.Availability {
		if d.Availability[i].Weekday == w {
			return &d.Availability[i]
		}
	}
	return nil
}

// Directory is the engine's read-only view of the doctor store.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
}
