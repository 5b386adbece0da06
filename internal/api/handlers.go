package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/medibook/appointment-booking/internal/appointment"
	"github.com/medibook/appointment-booking/internal/doctor"
	"github.com/medibook/appointment-booking/internal/scheduling"
)

var validate = validator.New()

// BookingService is the slice of the appointment service the HTTP
// layer depends on.
type BookingService interface {
	AvailableDays(now time.Time) []scheduling.OpenDay
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]appointment.SlotAvailability, error)
	Create(ctx context.Context, actor appointment.Actor, in appointment.CreateInput) (*appointment.Detail, error)
	Get(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Detail, error)
	Update(ctx context.Context, actor appointment.Actor, id uuid.UUID, patch appointment.Patch) (*appointment.Detail, error)
	Delete(ctx context.Context, actor appointment.Actor, id uuid.UUID) error
	List(ctx context.Context, actor appointment.Actor, f appointment.ListFilter) ([]appointment.Detail, int, error)
	GetStats(ctx context.Context, actor appointment.Actor, from, to *time.Time) (*appointment.Stats, error)
	RecordPaymentResult(ctx context.Context, id uuid.UUID, status appointment.PaymentStatus, transactionID string) (*appointment.Appointment, error)
}

func availableDaysHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := svc.AvailableDays(time.Now())
		out := make([]OpenDayResponse, 0, len(days))
		for _, d := range days {
			out = append(out, OpenDayResponse{
				Date:    scheduling.FormatDate(d.Date),
				Weekday: d.Weekday.String(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func availableSlotsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dateStr := r.URL.Query().Get("date")
		if dateStr == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date is required")
			return
		}
		date, err := scheduling.ParseDate(dateStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		slots, err := svc.AvailableSlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

func createAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_actor", "authentication required")
			return
		}

		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		date, err := scheduling.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		in := appointment.CreateInput{
			DoctorID:      doctorID,
			Date:          date,
			Time:          scheduling.Slot(req.Time),
			Reason:        req.Reason,
			Symptoms:      req.Symptoms,
			Type:          appointment.Type(req.Type),
			Duration:      req.Duration,
			PaymentMethod: appointment.PaymentMethod(req.PaymentMethod),
		}
		if req.ServiceID != "" {
			serviceID, err := uuid.Parse(req.ServiceID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
				return
			}
			in.ServiceID = &serviceID
		}

		detail, err := svc.Create(r.Context(), actor, in)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(detail))
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := actorAndID(w, r)
		if !ok {
			return
		}
		detail, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(detail))
	}
}

func updateAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := actorAndID(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		patch := appointment.Patch{
			CancellationReason: req.CancellationReason,
			Notes:              req.Notes,
			Prescription:       req.Prescription,
		}
		if req.Status != nil {
			st := appointment.Status(*req.Status)
			patch.Status = &st
		}
		if req.Date != nil {
			date, err := scheduling.ParseDate(*req.Date)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
				return
			}
			patch.Date = &date
		}
		if req.Time != nil {
			slot := scheduling.Slot(*req.Time)
			patch.Time = &slot
		}

		detail, err := svc.Update(r.Context(), actor, id, patch)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(detail))
	}
}

func deleteAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := actorAndID(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), actor, id); err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
	}
}

func listAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_actor", "authentication required")
			return
		}

		f, err := parseListFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		// Clamped up front so the echoed pagination matches the page
		// the service actually serves.
		f = f.Clamp()

		details, total, err := svc.List(r.Context(), actor, f)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		out := make([]AppointmentResponse, 0, len(details))
		for i := range details {
			out = append(out, toAppointmentResponse(&details[i]))
		}

		writeJSON(w, http.StatusOK, ListAppointmentsResponse{
			Appointments: out,
			Pagination: Pagination{
				Page:  f.Page,
				Limit: f.Limit,
				Total: total,
				Pages: int(math.Ceil(float64(total) / float64(f.Limit))),
			},
		})
	}
}

func statsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_actor", "authentication required")
			return
		}

		from, err := optionalDate(r, "start_date")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date", "start_date must be YYYY-MM-DD")
			return
		}
		to, err := optionalDate(r, "end_date")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date", "end_date must be YYYY-MM-DD")
			return
		}

		stats, err := svc.GetStats(r.Context(), actor, from, to)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func paymentCallbackHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PaymentCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		id, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		appt, err := svc.RecordPaymentResult(r.Context(), id, appointment.PaymentStatus(req.Status), req.TransactionID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"appointment_id": appt.ID.String(),
			"payment_status": string(appt.Payment.Status),
		})
	}
}

// Helpers

func actorAndID(w http.ResponseWriter, r *http.Request) (appointment.Actor, uuid.UUID, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", "authentication required")
		return appointment.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return appointment.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func parseListFilter(r *http.Request) (appointment.ListFilter, error) {
	var f appointment.ListFilter
	q := r.URL.Query()

	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("patient_id must be a valid UUID")
		}
		f.PatientID = &id
	}
	if v := q.Get("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("doctor_id must be a valid UUID")
		}
		f.DoctorID = &id
	}
	if v := q.Get("status"); v != "" {
		st := appointment.Status(v)
		f.Status = &st
	}

	var err error
	if f.Date, err = optionalDate(r, "date"); err != nil {
		return f, errors.New("date must be YYYY-MM-DD")
	}
	if f.From, err = optionalDate(r, "start_date"); err != nil {
		return f, errors.New("start_date must be YYYY-MM-DD")
	}
	if f.To, err = optionalDate(r, "end_date"); err != nil {
		return f, errors.New("end_date must be YYYY-MM-DD")
	}

	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	return f, nil
}

func optionalDate(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := scheduling.ParseDate(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, doctor.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_already_booked", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrClosedDay),
		errors.Is(err, appointment.ErrSlotNotInCatalog),
		errors.Is(err, appointment.ErrDoctorUnavailable),
		errors.Is(err, appointment.ErrReasonRequired),
		errors.Is(err, appointment.ErrReasonTooLong),
		errors.Is(err, appointment.ErrNotesTooLong),
		errors.Is(err, appointment.ErrInvalidDuration),
		errors.Is(err, appointment.ErrInvalidType),
		errors.Is(err, appointment.ErrCancelReason),
		errors.Is(err, appointment.ErrInvalidPatch),
		errors.Is(err, appointment.ErrInvalidPaymentStatus):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
