package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medibook/appointment-booking/internal/doctor"
	"github.com/medibook/appointment-booking/internal/notify"
	"github.com/medibook/appointment-booking/internal/observability/metrics"
	redisclient "github.com/medibook/appointment-booking/internal/redis"
	"github.com/medibook/appointment-booking/internal/scheduling"
)

const (
	EventCreated         = "appointment.created"
	EventConfirmed       = "appointment.confirmed"
	EventCancelled       = "appointment.cancelled"
	EventCompleted       = "appointment.completed"
	EventNoShow          = "appointment.no_show"
	EventRescheduled     = "appointment.rescheduled"
	EventPaymentRecorded = "appointment.payment_recorded"
	EventDeleted         = "appointment.deleted"
)

// transitions is the full lifecycle graph: reachable target statuses
// per current status, with the roles allowed to drive each edge.
var transitions = map[Status]map[Status][]Role{
	StatusPending: {
		StatusConfirmed: {RoleDoctor, RoleAdmin},
		StatusCancelled: {RolePatient, RoleDoctor, RoleAdmin},
	},
	StatusConfirmed: {
		StatusCancelled: {RolePatient, RoleDoctor, RoleAdmin},
		StatusCompleted: {RoleDoctor, RoleAdmin},
		StatusNoShow:    {RoleDoctor, RoleAdmin},
	},
}

type Service struct {
	repo     Repository
	doctors  doctor.Directory
	locker   redisclient.Locker
	policy   scheduling.Policy
	notifier notify.Notifier
	metrics  *metrics.BookingMetrics
	logger   *zap.Logger
}

func NewService(
	repo Repository,
	doctors doctor.Directory,
	locker redisclient.Locker,
	policy scheduling.Policy,
	notifier notify.Notifier,
	m *metrics.BookingMetrics,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Service{
		repo:     repo,
		doctors:  doctors,
		locker:   locker,
		policy:   policy,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// SlotAvailability is one catalog slot with its booking state.
type SlotAvailability struct {
	Time      scheduling.Slot `json:"time"`
	Available bool            `json:"available"`
}

// AvailableDays returns the forthcoming open days within the booking
// horizon.
func (s *Service) AvailableDays(now time.Time) []scheduling.OpenDay {
	return s.policy.NextOpenDays(now, s.policy.HorizonDays)
}

// AvailableSlots intersects the slot catalog with the doctor's weekday
// availability and marks slots held by active appointments. Lock-free
// read: contention is resolved authoritatively at reserve time.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]SlotAvailability, error) {
	date = scheduling.TruncateDate(date)
	if s.policy.IsClosedDay(date) {
		return []SlotAvailability{}, nil
	}

	doc, err := s.activeDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	av := doc.ForWeekday(date.Weekday())
	if av == nil || !av.IsAvailable {
		return []SlotAvailability{}, nil
	}

	booked, err := s.repo.BookedTimes(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("load booked times: %w", err)
	}
	taken := make(map[scheduling.Slot]bool, len(booked))
	for _, t := range booked {
		taken[t] = true
	}

	var out []SlotAvailability
	for _, slot := range s.policy.SlotsForWeekday(date.Weekday()) {
		if !withinWindow(slot, av) {
			continue
		}
		out = append(out, SlotAvailability{Time: slot, Available: !taken[slot]})
	}
	return out, nil
}

// CreateInput is the patient booking request.
type CreateInput struct {
	DoctorID      uuid.UUID
	ServiceID     *uuid.UUID
	Date          time.Time
	Time          scheduling.Slot
	Reason        string
	Symptoms      []string
	Type          Type
	Duration      int
	PaymentMethod PaymentMethod
}

// Create reserves a slot and initializes a pending appointment. The
// per-slot lock serializes contenders; the ledger's unique index is the
// final arbiter, so concurrent calls resolve to exactly one winner.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Detail, error) {
	if actor.Role != RolePatient {
		return nil, ErrForbidden
	}

	if in.Type == "" {
		in.Type = TypeInPerson
	}
	if in.Duration == 0 {
		in.Duration = 30
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = MethodCash
	}
	if err := validateDraft(in); err != nil {
		return nil, err
	}

	date := scheduling.TruncateDate(in.Date)
	if err := s.validateSchedulable(date, in.Time); err != nil {
		return nil, err
	}

	doc, err := s.activeDoctor(ctx, in.DoctorID)
	if err != nil {
		return nil, err
	}
	av := doc.ForWeekday(date.Weekday())
	if av == nil || !av.IsAvailable || !withinWindow(in.Time, av) {
		return nil, ErrDoctorUnavailable
	}

	patient, err := s.repo.GetPatientByID(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	draft := &Appointment{
		PatientID: actor.ID,
		DoctorID:  in.DoctorID,
		ServiceID: in.ServiceID,
		Date:      date,
		Time:      in.Time,
		Duration:  in.Duration,
		Type:      in.Type,
		Reason:    in.Reason,
		Symptoms:  in.Symptoms,
		Payment: Payment{
			// Fee is fixed here; later fee changes never touch this row.
			Amount: doc.ConsultationFee,
			Status: PaymentPending,
			Method: in.PaymentMethod,
		},
	}

	var created *Appointment
	start := time.Now()
	err = s.locker.WithSlotLock(ctx, redisclient.SlotLockKey(in.DoctorID, date, string(in.Time)), func(lockCtx context.Context) error {
		// Advisory pre-flight keeps the common conflict cheap; the
		// unique index still decides under a lost race.
		existing, err := s.repo.FindActive(lockCtx, in.DoctorID, date, in.Time, nil)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check active appointment: %w", err)
		}
		if existing != nil {
			return ErrSlotTaken
		}

		appt, err := s.repo.Reserve(lockCtx, draft)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	s.metrics.ObserveReserveLatency(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			s.metrics.ObserveReservation("contended")
			return nil, ErrSlotBeingBooked
		case errors.Is(err, ErrSlotTaken):
			s.metrics.ObserveReservation("conflict")
			return nil, ErrSlotTaken
		default:
			return nil, err
		}
	}
	s.metrics.ObserveReservation("reserved")

	s.logEvent(ctx, created.ID, EventCreated, map[string]any{
		"doctor_id":  in.DoctorID.String(),
		"patient_id": actor.ID.String(),
		"date":       scheduling.FormatDate(date),
		"time":       string(in.Time),
	})
	s.notifyBooking(ctx, s.notifier.AppointmentCreated, patient, doc, created)

	return s.repo.GetDetail(ctx, created.ID)
}

// Get returns a single hydrated appointment for actors allowed to see
// it.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Detail, error) {
	detail, err := s.repo.GetDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, &detail.Appointment) {
		return nil, ErrForbidden
	}
	return detail, nil
}

// Patch is the explicit update type: only set fields are considered,
// and each field is checked against what the current status permits.
type Patch struct {
	Status             *Status
	Date               *time.Time
	Time               *scheduling.Slot
	CancellationReason *string
	Notes              *string
	Prescription       *Prescription
}

// Update dispatches a patch to the sanctioned mutation path: a
// reschedule, a status transition, or a clinical write-up. Arbitrary
// field mutation outside these paths is rejected.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, patch Patch) (*Detail, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, appt) {
		return nil, ErrForbidden
	}

	switch {
	case patch.Date != nil || patch.Time != nil:
		if patch.Status != nil {
			return nil, ErrInvalidPatch
		}
		if patch.Date == nil || patch.Time == nil {
			return nil, ErrInvalidPatch
		}
		err = s.reschedule(ctx, actor, appt, *patch.Date, *patch.Time)
	case patch.Status != nil:
		err = s.transition(ctx, actor, appt, patch)
	case patch.Notes != nil || patch.Prescription != nil:
		err = s.updateClinical(ctx, actor, appt, patch.Notes, patch.Prescription)
	default:
		err = ErrInvalidPatch
	}
	if err != nil {
		return nil, err
	}

	return s.repo.GetDetail(ctx, id)
}

func (s *Service) reschedule(ctx context.Context, actor Actor, appt *Appointment, newDate time.Time, newTime scheduling.Slot) error {
	if !appt.Status.IsActive() {
		return ErrInvalidTransition
	}
	// Patients may move their own appointment only while it is still
	// pending; doctors and admins may move pending or confirmed.
	if actor.Role == RolePatient && appt.Status != StatusPending {
		return ErrForbidden
	}

	newDate = scheduling.TruncateDate(newDate)
	if err := s.validateSchedulable(newDate, newTime); err != nil {
		return err
	}

	doc, err := s.activeDoctor(ctx, appt.DoctorID)
	if err != nil {
		return err
	}
	av := doc.ForWeekday(newDate.Weekday())
	if av == nil || !av.IsAvailable || !withinWindow(newTime, av) {
		return ErrDoctorUnavailable
	}

	key := redisclient.SlotLockKey(appt.DoctorID, newDate, string(newTime))
	err = s.locker.WithSlotLock(ctx, key, func(lockCtx context.Context) error {
		existing, err := s.repo.FindActive(lockCtx, appt.DoctorID, newDate, newTime, &appt.ID)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check active appointment: %w", err)
		}
		if existing != nil {
			return ErrSlotTaken
		}

		// One statement moves the key: on conflict the original
		// date/time/status remain untouched. Pinning the status we
		// authorized against keeps a patient from moving an
		// appointment a doctor confirmed in the meantime.
		_, err = s.repo.Reschedule(lockCtx, appt.ID, appt.Status, newDate, newTime)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return ErrSlotBeingBooked
		}
		if errors.Is(err, ErrAppointmentNotFound) {
			// Row left the active set while we were waiting.
			return ErrInvalidTransition
		}
		return err
	}

	s.logEvent(ctx, appt.ID, EventRescheduled, map[string]any{
		"from_date": scheduling.FormatDate(appt.Date),
		"from_time": string(appt.Time),
		"to_date":   scheduling.FormatDate(newDate),
		"to_time":   string(newTime),
	})

	if patient, perr := s.repo.GetPatientByID(ctx, appt.PatientID); perr == nil {
		s.notifyBooking(ctx, s.notifier.AppointmentRescheduled, patient, doc, &Appointment{
			Date: newDate, Time: newTime,
		})
	}
	return nil
}

func (s *Service) transition(ctx context.Context, actor Actor, appt *Appointment, patch Patch) error {
	from, to := appt.Status, *patch.Status
	edges, ok := transitions[from]
	if !ok {
		return ErrInvalidTransition
	}
	roles, ok := edges[to]
	if !ok {
		return ErrInvalidTransition
	}
	if !roleAllowed(actor.Role, roles) {
		return ErrForbidden
	}

	var (
		err   error
		event string
	)
	switch to {
	case StatusConfirmed:
		_, err = s.repo.UpdateStatus(ctx, appt.ID, StatusPending, StatusConfirmed)
		event = EventConfirmed
	case StatusCancelled:
		if patch.CancellationReason == nil || *patch.CancellationReason == "" {
			return ErrCancelReason
		}
		_, err = s.repo.Cancel(ctx, appt.ID, *patch.CancellationReason, actor.Role)
		event = EventCancelled
	case StatusCompleted:
		if patch.Notes != nil && len(*patch.Notes) > 1000 {
			return ErrNotesTooLong
		}
		_, err = s.repo.Complete(ctx, appt.ID, patch.Notes, patch.Prescription)
		event = EventCompleted
	case StatusNoShow:
		_, err = s.repo.UpdateStatus(ctx, appt.ID, StatusConfirmed, StatusNoShow)
		event = EventNoShow
	default:
		return ErrInvalidTransition
	}
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Compare-and-set missed: the row moved under us.
			return ErrInvalidTransition
		}
		return err
	}

	s.metrics.ObserveTransition(string(from), string(to))
	s.logEvent(ctx, appt.ID, event, map[string]any{
		"from":  string(from),
		"to":    string(to),
		"actor": string(actor.Role),
	})
	return nil
}

func (s *Service) updateClinical(ctx context.Context, actor Actor, appt *Appointment, notes *string, prescription *Prescription) error {
	if actor.Role != RoleDoctor && actor.Role != RoleAdmin {
		return ErrForbidden
	}
	// Clinical fields open up once the appointment is confirmed and
	// remain the only writable fields on a completed one.
	if appt.Status != StatusConfirmed && appt.Status != StatusCompleted {
		return ErrInvalidTransition
	}
	if notes != nil && len(*notes) > 1000 {
		return ErrNotesTooLong
	}

	_, err := s.repo.UpdateClinical(ctx, appt.ID, notes, prescription)
	return err
}

// Delete removes an appointment outright. Admin only; doctor
// soft-deletes never cascade here.
func (s *Service) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	if actor.Role != RoleAdmin {
		return ErrForbidden
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logEvent(ctx, id, EventDeleted, map[string]any{"actor": string(actor.Role)})
	return nil
}

// List returns a page of appointments scoped to what the actor may
// see: admins browse freely, patients and doctors only their own.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]Detail, int, error) {
	switch actor.Role {
	case RoleAdmin:
		// all filters allowed
	case RolePatient:
		id := actor.ID
		f.PatientID = &id
		f.DoctorID = nil
	case RoleDoctor:
		if actor.DoctorID == nil {
			return nil, 0, ErrForbidden
		}
		f.DoctorID = actor.DoctorID
		f.PatientID = nil
	default:
		return nil, 0, ErrForbidden
	}

	return s.repo.List(ctx, f.Clamp())
}

// GetStats aggregates per-status counts over an optional date range.
func (s *Service) GetStats(ctx context.Context, actor Actor, from, to *time.Time) (*Stats, error) {
	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	return s.repo.GetStats(ctx, from, to)
}

// RecordPaymentResult is the payment collaborator's single mutation
// point, invoked by its callback. The amount is immutable; only status
// and transaction id are written.
func (s *Service) RecordPaymentResult(ctx context.Context, id uuid.UUID, status PaymentStatus, transactionID string) (*Appointment, error) {
	switch status {
	case PaymentPending, PaymentPaid, PaymentRefunded:
	default:
		return nil, ErrInvalidPaymentStatus
	}

	appt, err := s.repo.RecordPayment(ctx, id, status, transactionID)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, id, EventPaymentRecorded, map[string]any{
		"status":         string(status),
		"transaction_id": transactionID,
	})
	return appt, nil
}

// Helpers

func (s *Service) activeDoctor(ctx context.Context, id uuid.UUID) (*doctor.Doctor, error) {
	doc, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !doc.IsActive {
		return nil, doctor.ErrDoctorNotFound
	}
	return doc, nil
}

func (s *Service) validateSchedulable(date time.Time, slot scheduling.Slot) error {
	if s.policy.IsClosedDay(date) {
		return ErrClosedDay
	}
	if !s.policy.ContainsSlot(date.Weekday(), slot) {
		return ErrSlotNotInCatalog
	}
	return nil
}

func validateDraft(in CreateInput) error {
	if in.Reason == "" {
		return ErrReasonRequired
	}
	if len(in.Reason) > 500 {
		return ErrReasonTooLong
	}
	if in.Duration < 15 || in.Duration > 180 {
		return ErrInvalidDuration
	}
	switch in.Type {
	case TypeInPerson, TypeVideo, TypePhone:
	default:
		return ErrInvalidType
	}
	return nil
}

// withinWindow checks slot membership in the doctor's inclusive
// working window. HH:MM strings compare correctly byte-wise.
func withinWindow(slot scheduling.Slot, av *doctor.Availability) bool {
	return string(slot) >= av.StartTime && string(slot) <= av.EndTime
}

func canAccess(actor Actor, appt *Appointment) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return appt.PatientID == actor.ID
	case RoleDoctor:
		return actor.DoctorID != nil && *actor.DoctorID == appt.DoctorID
	default:
		return false
	}
}

func roleAllowed(r Role, allowed []Role) bool {
	for _, a := range allowed {
		if a == r {
			return true
		}
	}
	return false
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("insert event log",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}

// notifyBooking invokes the fire-and-forget notifier; failures are
// logged and never roll back the booking mutation.
func (s *Service) notifyBooking(ctx context.Context, send func(context.Context, notify.Payload) error, patient *Patient, doc *doctor.Doctor, appt *Appointment) {
	email := ""
	if patient.Email != nil {
		email = *patient.Email
	}
	p := notify.Payload{
		PatientName:  patient.Name,
		PatientEmail: email,
		DoctorName:   doc.Name,
		Date:         scheduling.FormatDate(appt.Date),
		Time:         string(appt.Time),
	}
	if err := send(ctx, p); err != nil {
		s.logger.Warn("notifier failed", zap.Error(err))
	}
}
