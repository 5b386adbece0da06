package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/appointment-booking/internal/scheduling"
)

// DB is the subset of pgxpool.Pool the repository uses; pgxmock
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

func NewPgRepositoryWithDB(db DB) *PgRepository {
	return &PgRepository{db: db}
}

const apptColumns = `
	id, patient_id, doctor_id, service_id,
	appointment_date, appointment_time, duration_minutes, type,
	status, cancellation_reason, cancelled_by,
	reason, symptoms, notes, prescription,
	payment_amount, payment_status, payment_method, payment_transaction_id,
	reminder_sent, created_at, updated_at`

// uniqueViolation is the Postgres error code raised by the partial
// unique index on (doctor_id, appointment_date, appointment_time).
const uniqueViolation = "23505"

func isSlotConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a             Appointment
		cancelledBy   *string
		prescription  []byte
		transactionID *string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ServiceID,
		&a.Date,
		&a.Time,
		&a.Duration,
		&a.Type,
		&a.Status,
		&a.CancellationReason,
		&cancelledBy,
		&a.Reason,
		&a.Symptoms,
		&a.Notes,
		&prescription,
		&a.Payment.Amount,
		&a.Payment.Status,
		&a.Payment.Method,
		&transactionID,
		&a.ReminderSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if cancelledBy != nil {
		r := Role(*cancelledBy)
		a.CancelledBy = &r
	}
	a.Payment.TransactionID = transactionID
	if len(prescription) > 0 {
		var p Prescription
		if err := json.Unmarshal(prescription, &p); err != nil {
			return nil, fmt.Errorf("decode prescription: %w", err)
		}
		a.Prescription = &p
	}

	return &a, nil
}

func scanDetail(row pgx.Row) (*Detail, error) {
	var (
		d             Detail
		cancelledBy   *string
		prescription  []byte
		transactionID *string
	)

	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.DoctorID,
		&d.ServiceID,
		&d.Date,
		&d.Time,
		&d.Duration,
		&d.Type,
		&d.Status,
		&d.CancellationReason,
		&cancelledBy,
		&d.Reason,
		&d.Symptoms,
		&d.Notes,
		&prescription,
		&d.Payment.Amount,
		&d.Payment.Status,
		&d.Payment.Method,
		&transactionID,
		&d.ReminderSent,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.PatientName,
		&d.PatientEmail,
		&d.DoctorName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if cancelledBy != nil {
		r := Role(*cancelledBy)
		d.CancelledBy = &r
	}
	d.Payment.TransactionID = transactionID
	if len(prescription) > 0 {
		var p Prescription
		if err := json.Unmarshal(prescription, &p); err != nil {
			return nil, fmt.Errorf("decode prescription: %w", err)
		}
		d.Prescription = &p
	}

	return &d, nil
}

func marshalPrescription(p *Prescription) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode prescription: %w", err)
	}
	return data, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email
		FROM patients
		WHERE id = $1
	`, id)

	var p Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

const detailQuery = `
	SELECT a.id, a.patient_id, a.doctor_id, a.service_id,
	       a.appointment_date, a.appointment_time, a.duration_minutes, a.type,
	       a.status, a.cancellation_reason, a.cancelled_by,
	       a.reason, a.symptoms, a.notes, a.prescription,
	       a.payment_amount, a.payment_status, a.payment_method, a.payment_transaction_id,
	       a.reminder_sent, a.created_at, a.updated_at,
	       p.name, p.email, d.name
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id
	JOIN doctors d ON d.id = a.doctor_id`

func (r *PgRepository) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	row := r.db.QueryRow(ctx, detailQuery+`
	WHERE a.id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgRepository) Reserve(ctx context.Context, appt *Appointment) (*Appointment, error) {
	id := appt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	prescription, err := marshalPrescription(appt.Prescription)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_id, service_id,
			appointment_date, appointment_time, duration_minutes, type,
			status, reason, symptoms, notes, prescription,
			payment_amount, payment_status, payment_method,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, $12, $13, $14, $15, now(), now())
		RETURNING `+apptColumns+`
	`,
		id, appt.PatientID, appt.DoctorID, appt.ServiceID,
		appt.Date, appt.Time, appt.Duration, appt.Type,
		appt.Reason, appt.Symptoms, appt.Notes, prescription,
		appt.Payment.Amount, appt.Payment.Status, appt.Payment.Method,
	)

	created, err := scanAppointment(row)
	if err != nil {
		if isSlotConflict(err) {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) FindActive(ctx context.Context, doctorID uuid.UUID, date time.Time, slot scheduling.Slot, excluding *uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND appointment_time = $3
		  AND status IN ('pending', 'confirmed')
		  AND ($4::uuid IS NULL OR id <> $4)
	`, doctorID, date, slot, excluding)
	return scanAppointment(row)
}

func (r *PgRepository) BookedTimes(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]scheduling.Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT appointment_time
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND status IN ('pending', 'confirmed')
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scheduling.Slot
	for rows.Next() {
		var s scheduling.Slot
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (r *PgRepository) Cancel(ctx context.Context, id uuid.UUID, reason string, by Role) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $2,
		    cancelled_by = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'confirmed')
		RETURNING `+apptColumns+`
	`, id, reason, string(by))
	return scanAppointment(row)
}

func (r *PgRepository) Complete(ctx context.Context, id uuid.UUID, notes *string, prescription *Prescription) (*Appointment, error) {
	data, err := marshalPrescription(prescription)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    notes = COALESCE($2, notes),
		    prescription = COALESCE($3, prescription),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'confirmed'
		RETURNING `+apptColumns+`
	`, id, notes, data)
	return scanAppointment(row)
}

func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, from Status, date time.Time, slot scheduling.Slot) (*Appointment, error) {
	// Single statement: the partial unique index rejects the move when
	// the target key is held, leaving the original row untouched, and
	// the status predicate makes the move miss when the row changed
	// hands since the caller read it.
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET appointment_date = $2,
		    appointment_time = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING `+apptColumns+`
	`, id, date, slot, from)

	appt, err := scanAppointment(row)
	if err != nil {
		if isSlotConflict(err) {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) UpdateClinical(ctx context.Context, id uuid.UUID, notes *string, prescription *Prescription) (*Appointment, error) {
	data, err := marshalPrescription(prescription)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET notes = COALESCE($2, notes),
		    prescription = COALESCE($3, prescription),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+apptColumns+`
	`, id, notes, data)
	return scanAppointment(row)
}

func (r *PgRepository) RecordPayment(ctx context.Context, id uuid.UUID, status PaymentStatus, transactionID string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET payment_status = $2,
		    payment_transaction_id = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+apptColumns+`
	`, id, status, transactionID)
	return scanAppointment(row)
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) List(ctx context.Context, f ListFilter) ([]Detail, int, error) {
	where, args := buildListFilter(f)

	countQuery := `SELECT count(*) FROM appointments a` + where
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	limit := f.Limit
	offset := (f.Page - 1) * limit
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		detailQuery+`%s
	ORDER BY a.appointment_date DESC, a.appointment_time DESC
	LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []Detail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

func buildListFilter(f ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.PatientID != nil {
		add("a.patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("a.doctor_id = $%d", *f.DoctorID)
	}
	if f.Status != nil {
		add("a.status = $%d", *f.Status)
	}
	if f.Date != nil {
		add("a.appointment_date = $%d", *f.Date)
	}
	if f.From != nil {
		add("a.appointment_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("a.appointment_date <= $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "\n\tWHERE " + strings.Join(conds, " AND "), args
}

func (r *PgRepository) GetStats(ctx context.Context, from, to *time.Time) (*Stats, error) {
	row := r.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE appointment_date = CURRENT_DATE),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'confirmed'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'cancelled'),
			count(*) FILTER (WHERE status = 'no-show')
		FROM appointments
		WHERE ($1::date IS NULL OR appointment_date >= $1)
		  AND ($2::date IS NULL OR appointment_date <= $2)
	`, from, to)

	var s Stats
	err := row.Scan(&s.Total, &s.Today, &s.Pending, &s.Confirmed, &s.Completed, &s.Cancelled, &s.NoShow)
	if err != nil {
		return nil, fmt.Errorf("appointment stats: %w", err)
	}
	return &s, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
