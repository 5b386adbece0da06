package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medibook/appointment-booking/internal/appointment"
	"github.com/medibook/appointment-booking/internal/scheduling"
)

type CreateAppointmentRequest struct {
	DoctorID      string   `json:"doctor_id" validate:"required,uuid"`
	ServiceID     string   `json:"service_id,omitempty" validate:"omitempty,uuid"`
	Date          string   `json:"date" validate:"required,datetime=2006-01-02"`
	Time          string   `json:"time" validate:"required"`
	Reason        string   `json:"reason" validate:"required,max=500"`
	Symptoms      []string `json:"symptoms,omitempty"`
	Type          string   `json:"type,omitempty" validate:"omitempty,oneof=in-person video phone"`
	Duration      int      `json:"duration,omitempty" validate:"omitempty,min=15,max=180"`
	PaymentMethod string   `json:"payment_method,omitempty" validate:"omitempty,oneof=cash card insurance online"`
}

type UpdateAppointmentRequest struct {
	Status             *string                   `json:"status,omitempty" validate:"omitempty,oneof=pending confirmed completed cancelled no-show"`
	Date               *string                   `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Time               *string                   `json:"time,omitempty"`
	CancellationReason *string                   `json:"cancellation_reason,omitempty" validate:"omitempty,max=500"`
	Notes              *string                   `json:"notes,omitempty" validate:"omitempty,max=1000"`
	Prescription       *appointment.Prescription `json:"prescription,omitempty"`
}

type PaymentCallbackRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
	Status        string `json:"status" validate:"required,oneof=pending paid refunded"`
	TransactionID string `json:"transaction_id" validate:"required"`
}

type PaymentResponse struct {
	Amount        int64   `json:"amount"`
	Status        string  `json:"status"`
	Method        string  `json:"method"`
	TransactionID *string `json:"transaction_id,omitempty"`
}

type PartyResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Email *string   `json:"email,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID                 `json:"id"`
	Patient            PartyResponse             `json:"patient"`
	Doctor             PartyResponse             `json:"doctor"`
	ServiceID          *uuid.UUID                `json:"service_id,omitempty"`
	Date               string                    `json:"date"`
	Time               string                    `json:"time"`
	Duration           int                       `json:"duration"`
	Type               string                    `json:"type"`
	Status             string                    `json:"status"`
	Reason             string                    `json:"reason"`
	Symptoms           []string                  `json:"symptoms,omitempty"`
	Notes              *string                   `json:"notes,omitempty"`
	Prescription       *appointment.Prescription `json:"prescription,omitempty"`
	Payment            PaymentResponse           `json:"payment"`
	CancellationReason *string                   `json:"cancellation_reason,omitempty"`
	CancelledBy        *string                   `json:"cancelled_by,omitempty"`
	ReminderSent       bool                      `json:"reminder_sent"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Pagination   Pagination            `json:"pagination"`
}

type OpenDayResponse struct {
	Date    string `json:"date"`
	Weekday string `json:"weekday"`
}

func toAppointmentResponse(d *appointment.Detail) AppointmentResponse {
	resp := AppointmentResponse{
		ID: d.ID,
		Patient: PartyResponse{
			ID:    d.PatientID,
			Name:  d.PatientName,
			Email: d.PatientEmail,
		},
		Doctor: PartyResponse{
			ID:   d.DoctorID,
			Name: d.DoctorName,
		},
		ServiceID:    d.ServiceID,
		Date:         scheduling.FormatDate(d.Date),
		Time:         string(d.Time),
		Duration:     d.Duration,
		Type:         string(d.Type),
		Status:       string(d.Status),
		Reason:       d.Reason,
		Symptoms:     d.Symptoms,
		Notes:        d.Notes,
		Prescription: d.Prescription,
		Payment: PaymentResponse{
			Amount:        d.Payment.Amount,
			Status:        string(d.Payment.Status),
			Method:        string(d.Payment.Method),
			TransactionID: d.Payment.TransactionID,
		},
		CancellationReason: d.CancellationReason,
		ReminderSent:       d.ReminderSent,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	if d.CancelledBy != nil {
		by := string(*d.CancelledBy)
		resp.CancelledBy = &by
	}
	return resp
}
