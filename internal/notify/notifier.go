package notify

import (
	"context"

	"go.uber.org/zap"
)

// Payload carries the fields the external notification channel needs.
type Payload struct {
	PatientName  string
	PatientEmail string
	DoctorName   string
	Date         string
	Time         string
}

// Notifier is a fire-and-forget collaborator. Implementations must not
// block booking flows; callers log failures and move on.
type Notifier interface {
	AppointmentCreated(ctx context.Context, p Payload) error
	AppointmentRescheduled(ctx context.Context, p Payload) error
}

// LogNotifier records notifications in the application log. It stands
// in for the real delivery channel, which lives outside this service.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) AppointmentCreated(_ context.Context, p Payload) error {
	n.logger.Info("appointment created notification",
		zap.String("patient", p.PatientName),
		zap.String("doctor", p.DoctorName),
		zap.String("date", p.Date),
		zap.String("time", p.Time),
	)
	return nil
}

func (n *LogNotifier) AppointmentRescheduled(_ context.Context, p Payload) error {
	n.logger.Info("appointment rescheduled notification",
		zap.String("patient", p.PatientName),
		zap.String("doctor", p.DoctorName),
		zap.String("date", p.Date),
		zap.String("time", p.Time),
	)
	return nil
}
