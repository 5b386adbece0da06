package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, user_id, name, specialization, consultation_fee, is_active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)

	var doc Doctor
	err := row.Scan(
		&doc.ID,
		&doc.UserID,
		&doc.Name,
		&doc.Specialization,
		&doc.ConsultationFee,
		&doc.IsActive,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("select doctor: %w", err)
	}

	avail, err := d.loadAvailability(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Availability = avail

	return &doc, nil
}

func (d *PgDirectory) loadAvailability(ctx context.Context, doctorID uuid.UUID) ([]Availability, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT weekday, start_time, end_time, is_available
		FROM doctor_availability
		WHERE doctor_id = $1
		ORDER BY weekday
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("select doctor availability: %w", err)
	}
	defer rows.Close()

	var out []Availability
	for rows.Next() {
		var a Availability
		var weekday int
		if err := rows.Scan(&weekday, &a.StartTime, &a.EndTime, &a.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan doctor availability: %w", err)
		}
		a.Weekday = time.Weekday(weekday)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
