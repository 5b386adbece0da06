package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/appointment-booking/internal/doctor"
	"github.com/medibook/appointment-booking/internal/scheduling"
)

// 2025-06-02 is a Monday.
var monday = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

// memoryRepo is an in-memory booking ledger enforcing the same
// active-slot uniqueness guarantee as the Postgres partial index.
type memoryRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	appts    map[uuid.UUID]*Appointment
	events   []EventLog
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		patients: make(map[uuid.UUID]*Patient),
		appts:    make(map[uuid.UUID]*Appointment),
	}
}

func (r *memoryRepo) addPatient(p *Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

func (r *memoryRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	a, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{Appointment: *a, DoctorName: "Dr. Test"}
	if p, err := r.GetPatientByID(ctx, a.PatientID); err == nil {
		d.PatientName = p.Name
		d.PatientEmail = p.Email
	}
	return d, nil
}

func (r *memoryRepo) activeHolder(doctorID uuid.UUID, date time.Time, slot scheduling.Slot, excluding *uuid.UUID) *Appointment {
	for _, a := range r.appts {
		if excluding != nil && a.ID == *excluding {
			continue
		}
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.Time == slot && a.Status.IsActive() {
			return a
		}
	}
	return nil
}

func (r *memoryRepo) Reserve(_ context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeHolder(appt.DoctorID, appt.Date, appt.Time, nil) != nil {
		return nil, ErrSlotTaken
	}
	cp := *appt
	cp.ID = uuid.New()
	cp.Status = StatusPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.appts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memoryRepo) FindActive(_ context.Context, doctorID uuid.UUID, date time.Time, slot scheduling.Slot, excluding *uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.activeHolder(doctorID, date, slot, excluding)
	if a == nil {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) BookedTimes(_ context.Context, doctorID uuid.UUID, date time.Time) ([]scheduling.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scheduling.Slot
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.Status.IsActive() {
			out = append(out, a.Time)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) Cancel(_ context.Context, id uuid.UUID, reason string, by Role) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || !a.Status.IsActive() {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	a.CancellationReason = &reason
	a.CancelledBy = &by
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) Complete(_ context.Context, id uuid.UUID, notes *string, prescription *Prescription) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != StatusConfirmed {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCompleted
	if notes != nil {
		a.Notes = notes
	}
	if prescription != nil {
		a.Prescription = prescription
	}
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) Reschedule(_ context.Context, id uuid.UUID, from Status, date time.Time, slot scheduling.Slot) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	if r.activeHolder(a.DoctorID, date, slot, &a.ID) != nil {
		return nil, ErrSlotTaken
	}
	a.Date = date
	a.Time = slot
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) UpdateClinical(_ context.Context, id uuid.UUID, notes *string, prescription *Prescription) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if notes != nil {
		a.Notes = notes
	}
	if prescription != nil {
		a.Prescription = prescription
	}
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) RecordPayment(_ context.Context, id uuid.UUID, status PaymentStatus, transactionID string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Payment.Status = status
	a.Payment.TransactionID = &transactionID
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appts, id)
	return nil
}

func (r *memoryRepo) List(ctx context.Context, f ListFilter) ([]Detail, int, error) {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.appts))
	for id, a := range r.appts {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var out []Detail
	for _, id := range ids {
		d, err := r.GetDetail(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, len(out), nil
}

func (r *memoryRepo) GetStats(_ context.Context, _, _ *time.Time) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &Stats{}
	for _, a := range r.appts {
		st.Total++
		switch a.Status {
		case StatusPending:
			st.Pending++
		case StatusConfirmed:
			st.Confirmed++
		case StatusCompleted:
			st.Completed++
		case StatusCancelled:
			st.Cancelled++
		case StatusNoShow:
			st.NoShow++
		}
	}
	return st, nil
}

func (r *memoryRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memoryRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

// passthroughLocker runs the critical section without a Redis hop. The
// ledger's uniqueness guarantee stays authoritative without the lock.
type passthroughLocker struct{}

func (passthroughLocker) WithSlotLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// hookedLocker injects a concurrent mutation between the permission
// check and the critical section.
type hookedLocker struct {
	before func()
}

func (l hookedLocker) WithSlotLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	if l.before != nil {
		l.before()
	}
	return fn(ctx)
}

type staticDirectory struct {
	doctors map[uuid.UUID]*doctor.Doctor
}

func (d staticDirectory) GetByID(_ context.Context, id uuid.UUID) (*doctor.Doctor, error) {
	doc, ok := d.doctors[id]
	if !ok {
		return nil, doctor.ErrDoctorNotFound
	}
	cp := *doc
	return &cp, nil
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	dir      staticDirectory
	doctorID uuid.UUID
	patient  Actor
	doctor   Actor
	admin    Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := newMemoryRepo()
	doctorID := uuid.New()
	patientID := uuid.New()

	email := "jane@example.com"
	repo.addPatient(&Patient{ID: patientID, Name: "Jane Doe", Email: &email})

	fullWeek := make([]doctor.Availability, 0, 6)
	for w := time.Monday; w <= time.Saturday; w++ {
		fullWeek = append(fullWeek, doctor.Availability{
			Weekday:     w,
			StartTime:   "10:00",
			EndTime:     "16:30",
			IsAvailable: true,
		})
	}

	dir := staticDirectory{doctors: map[uuid.UUID]*doctor.Doctor{
		doctorID: {
			ID:              doctorID,
			Name:            "Dr. Test",
			Specialization:  "Cardiology",
			ConsultationFee: 15000,
			Availability:    fullWeek,
			IsActive:        true,
		},
	}}

	svc := NewService(repo, dir, passthroughLocker{}, scheduling.DefaultPolicy(), nil, nil, nil)

	return &fixture{
		svc:      svc,
		repo:     repo,
		dir:      dir,
		doctorID: doctorID,
		patient:  Actor{ID: patientID, Role: RolePatient},
		doctor:   Actor{ID: uuid.New(), Role: RoleDoctor, DoctorID: &doctorID},
		admin:    Actor{ID: uuid.New(), Role: RoleAdmin},
	}
}

func (f *fixture) book(t *testing.T, slot scheduling.Slot) *Detail {
	t.Helper()
	d, err := f.svc.Create(context.Background(), f.patient, CreateInput{
		DoctorID: f.doctorID,
		Date:     monday,
		Time:     slot,
		Reason:   "checkup",
	})
	require.NoError(t, err)
	return d
}

func TestCreateReservesPendingAppointment(t *testing.T) {
	f := newFixture(t)

	d := f.book(t, "10:00")

	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, monday, d.Date)
	assert.Equal(t, scheduling.Slot("10:00"), d.Time)
	assert.Equal(t, TypeInPerson, d.Type, "defaulted")
	assert.Equal(t, 30, d.Duration, "defaulted")
	assert.Equal(t, int64(15000), d.Payment.Amount, "fee copied from the doctor")
	assert.Equal(t, PaymentPending, d.Payment.Status)
	assert.Equal(t, MethodCash, d.Payment.Method)
	assert.Equal(t, "Jane Doe", d.PatientName)
	assert.Contains(t, f.repo.eventTypes(), EventCreated)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"closed day", CreateInput{DoctorID: f.doctorID, Date: monday.AddDate(0, 0, 6), Time: "10:00", Reason: "x"}, ErrClosedDay},
		{"unknown slot", CreateInput{DoctorID: f.doctorID, Date: monday, Time: "12:00", Reason: "x"}, ErrSlotNotInCatalog},
		{"off-grid slot", CreateInput{DoctorID: f.doctorID, Date: monday, Time: "10:15", Reason: "x"}, ErrSlotNotInCatalog},
		{"missing reason", CreateInput{DoctorID: f.doctorID, Date: monday, Time: "10:00"}, ErrReasonRequired},
		{"bad duration", CreateInput{DoctorID: f.doctorID, Date: monday, Time: "10:00", Reason: "x", Duration: 5}, ErrInvalidDuration},
		{"bad type", CreateInput{DoctorID: f.doctorID, Date: monday, Time: "10:00", Reason: "x", Type: "house-call"}, ErrInvalidType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, f.patient, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.svc.Create(ctx, f.doctor, CreateInput{DoctorID: f.doctorID, Date: monday, Time: "10:00", Reason: "x"})
	assert.ErrorIs(t, err, ErrForbidden, "only patients book")

	_, err = f.svc.Create(ctx, f.patient, CreateInput{DoctorID: uuid.New(), Date: monday, Time: "10:00", Reason: "x"})
	assert.ErrorIs(t, err, doctor.ErrDoctorNotFound)
}

func TestCreateOutsideDoctorWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Half-day Wednesday: last bookable slot is 11:30.
	wednesday := monday.AddDate(0, 0, 2)
	dir := staticDirectory{doctors: map[uuid.UUID]*doctor.Doctor{
		f.doctorID: {
			ID:              f.doctorID,
			Name:            "Dr. Test",
			ConsultationFee: 15000,
			IsActive:        true,
			Availability: []doctor.Availability{
				{Weekday: time.Wednesday, StartTime: "10:00", EndTime: "11:30", IsAvailable: true},
			},
		},
	}}
	svc := NewService(f.repo, dir, passthroughLocker{}, scheduling.DefaultPolicy(), nil, nil, nil)

	_, err := svc.Create(ctx, f.patient, CreateInput{DoctorID: f.doctorID, Date: wednesday, Time: "11:30", Reason: "x"})
	assert.NoError(t, err, "window end is inclusive")

	_, err = svc.Create(ctx, f.patient, CreateInput{DoctorID: f.doctorID, Date: wednesday, Time: "13:00", Reason: "x"})
	assert.ErrorIs(t, err, ErrDoctorUnavailable)

	_, err = svc.Create(ctx, f.patient, CreateInput{DoctorID: f.doctorID, Date: monday, Time: "10:00", Reason: "x"})
	assert.ErrorIs(t, err, ErrDoctorUnavailable, "no availability row for Monday")
}

func TestCreateConflictOnHeldSlot(t *testing.T) {
	f := newFixture(t)

	f.book(t, "10:00")

	_, err := f.svc.Create(context.Background(), f.patient, CreateInput{
		DoctorID: f.doctorID, Date: monday, Time: "10:00", Reason: "second",
	})
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const contenders = 32

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Create(ctx, f.patient, CreateInput{
				DoctorID: f.doctorID, Date: monday, Time: "14:00", Reason: "race",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, ErrSlotTaken)
		}
	}
	assert.Equal(t, 1, won, "exactly one contender wins the slot")
}

func TestTransitionTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reason := "patient request"
	confirmed := StatusConfirmed
	cancelled := StatusCancelled
	completed := StatusCompleted
	noShow := StatusNoShow

	t.Run("doctor confirms pending", func(t *testing.T) {
		d := f.book(t, "10:00")
		out, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, out.Status)
		assert.Contains(t, f.repo.eventTypes(), EventConfirmed)
	})

	t.Run("patient may not confirm", func(t *testing.T) {
		d := f.book(t, "10:30")
		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &confirmed})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("pending cannot complete", func(t *testing.T) {
		d := f.book(t, "11:00")
		_, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &completed})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("cancel requires a reason", func(t *testing.T) {
		d := f.book(t, "11:30")
		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled})
		assert.ErrorIs(t, err, ErrCancelReason)
	})

	t.Run("patient cancels pending with reason recorded", func(t *testing.T) {
		d := f.book(t, "13:00")
		out, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled, CancellationReason: &reason})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
		require.NotNil(t, out.CancellationReason)
		assert.Equal(t, reason, *out.CancellationReason)
		require.NotNil(t, out.CancelledBy)
		assert.Equal(t, RolePatient, *out.CancelledBy)
	})

	t.Run("confirmed completes with prescription", func(t *testing.T) {
		d := f.book(t, "13:30")
		_, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
		require.NoError(t, err)

		notes := "all clear"
		out, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{
			Status: &completed,
			Notes:  &notes,
			Prescription: &Prescription{
				Diagnosis:   "healthy",
				Medications: []Medication{{Name: "Vitamin D", Dosage: "1000 IU"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, out.Status)
		require.NotNil(t, out.Notes)
		assert.Equal(t, notes, *out.Notes)
		require.NotNil(t, out.Prescription)
		assert.Equal(t, "healthy", out.Prescription.Diagnosis)
	})

	t.Run("confirmed to no-show by doctor", func(t *testing.T) {
		d := f.book(t, "14:30")
		_, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
		require.NoError(t, err)
		out, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &noShow})
		require.NoError(t, err)
		assert.Equal(t, StatusNoShow, out.Status)
	})

	t.Run("terminal states reject transitions", func(t *testing.T) {
		d := f.book(t, "15:00")
		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled, CancellationReason: &reason})
		require.NoError(t, err)

		_, err = f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestCancelReleasesSlotOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reason := "conflict"
	cancelled := StatusCancelled

	d := f.book(t, "10:00")

	_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled, CancellationReason: &reason})
	require.NoError(t, err)

	// The slot is free again.
	again := f.book(t, "10:00")
	assert.NotEqual(t, d.ID, again.ID)

	// A second release of the old appointment is rejected and leaves
	// the new holder untouched.
	_, err = f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled, CancellationReason: &reason})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cur, err := f.svc.Get(ctx, f.admin, again.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cur.Status)
}

func TestCompletedSlotBecomesBookable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	confirmed := StatusConfirmed
	completed := StatusCompleted

	d := f.book(t, "16:00")
	_, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &completed})
	require.NoError(t, err)

	// Completed rows leave the active set, so the key is reusable.
	f.book(t, "16:00")
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newDate := monday.AddDate(0, 0, 1)
	slot := scheduling.Slot("13:00")

	t.Run("patient moves a pending appointment", func(t *testing.T) {
		d := f.book(t, "10:00")
		out, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &newDate, Time: &slot})
		require.NoError(t, err)
		assert.Equal(t, newDate, out.Date)
		assert.Equal(t, slot, out.Time)
		assert.Equal(t, StatusPending, out.Status, "status unchanged")
		assert.Contains(t, f.repo.eventTypes(), EventRescheduled)

		// The old slot is free again.
		f.book(t, "10:00")
	})

	t.Run("conflict leaves the original untouched", func(t *testing.T) {
		d := f.book(t, "10:30")
		taken := scheduling.Slot("11:00")
		f.book(t, taken)

		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &monday, Time: &taken})
		assert.ErrorIs(t, err, ErrSlotTaken)

		cur, err := f.svc.Get(ctx, f.patient, d.ID)
		require.NoError(t, err)
		assert.Equal(t, monday, cur.Date)
		assert.Equal(t, scheduling.Slot("10:30"), cur.Time)
	})

	t.Run("patient may not move a confirmed appointment", func(t *testing.T) {
		confirmed := StatusConfirmed
		d := f.book(t, "14:00")
		_, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
		require.NoError(t, err)

		_, err = f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &newDate, Time: &slot})
		assert.ErrorIs(t, err, ErrForbidden)

		// Doctors may.
		free := scheduling.Slot("14:30")
		out, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Date: &newDate, Time: &free})
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, out.Status)
	})

	t.Run("target must be schedulable", func(t *testing.T) {
		d := f.book(t, "15:00")
		sunday := monday.AddDate(0, 0, 6)
		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &sunday, Time: &slot})
		assert.ErrorIs(t, err, ErrClosedDay)

		bad := scheduling.Slot("12:00")
		_, err = f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &newDate, Time: &bad})
		assert.ErrorIs(t, err, ErrSlotNotInCatalog)
	})

	t.Run("concurrent confirm defeats a patient move", func(t *testing.T) {
		d := f.book(t, "16:30")

		// The doctor confirms after the patient's permission check but
		// before the move lands; the status-pinned update must miss.
		svc := NewService(f.repo, f.dir, hookedLocker{before: func() {
			_, err := f.repo.UpdateStatus(ctx, d.ID, StatusPending, StatusConfirmed)
			require.NoError(t, err)
		}}, scheduling.DefaultPolicy(), nil, nil, nil)

		free := scheduling.Slot("16:00")
		_, err := svc.Update(ctx, f.patient, d.ID, Patch{Date: &newDate, Time: &free})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		cur, err := f.svc.Get(ctx, f.patient, d.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, cur.Status)
		assert.Equal(t, monday, cur.Date, "confirmed appointment keeps its slot")
		assert.Equal(t, scheduling.Slot("16:30"), cur.Time)
	})

	t.Run("date and time travel together", func(t *testing.T) {
		d := f.book(t, "15:30")
		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &newDate})
		assert.ErrorIs(t, err, ErrInvalidPatch)

		confirmed := StatusConfirmed
		_, err = f.svc.Update(ctx, f.patient, d.ID, Patch{Date: &newDate, Time: &slot, Status: &confirmed})
		assert.ErrorIs(t, err, ErrInvalidPatch)
	})
}

func TestAccessControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.book(t, "10:00")

	t.Run("strangers are rejected", func(t *testing.T) {
		stranger := Actor{ID: uuid.New(), Role: RolePatient}
		_, err := f.svc.Get(ctx, stranger, d.ID)
		assert.ErrorIs(t, err, ErrForbidden)

		otherDoctorID := uuid.New()
		otherDoctor := Actor{ID: uuid.New(), Role: RoleDoctor, DoctorID: &otherDoctorID}
		_, err = f.svc.Get(ctx, otherDoctor, d.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("participants and admins may read", func(t *testing.T) {
		for _, actor := range []Actor{f.patient, f.doctor, f.admin} {
			_, err := f.svc.Get(ctx, actor, d.ID)
			assert.NoError(t, err, "role %s", actor.Role)
		}
	})

	t.Run("delete is admin only", func(t *testing.T) {
		assert.ErrorIs(t, f.svc.Delete(ctx, f.patient, d.ID), ErrForbidden)
		assert.ErrorIs(t, f.svc.Delete(ctx, f.doctor, d.ID), ErrForbidden)
		require.NoError(t, f.svc.Delete(ctx, f.admin, d.ID))
		_, err := f.svc.Get(ctx, f.admin, d.ID)
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})
}

func TestListScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, "10:00")
	f.book(t, "10:30")

	// A patient's listing is pinned to their own rows even when the
	// filter asks for someone else's.
	otherID := uuid.New()
	out, total, err := f.svc.List(ctx, f.patient, ListFilter{PatientID: &otherID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, d := range out {
		assert.Equal(t, f.patient.ID, d.PatientID)
	}

	// Doctors without a linked profile cannot list.
	_, _, err = f.svc.List(ctx, Actor{ID: uuid.New(), Role: RoleDoctor}, ListFilter{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, total, err = f.svc.List(ctx, f.doctor, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = f.svc.List(ctx, f.admin, ListFilter{PatientID: &otherID})
	require.NoError(t, err)
	assert.Zero(t, total, "admin filters are honored as given")
}

func TestClinicalUpdateRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notes := "follow up in two weeks"

	d := f.book(t, "10:00")

	_, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Notes: &notes})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending has no clinical fields")

	confirmed := StatusConfirmed
	_, err = f.svc.Update(ctx, f.doctor, d.ID, Patch{Status: &confirmed})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, f.patient, d.ID, Patch{Notes: &notes})
	assert.ErrorIs(t, err, ErrForbidden, "patients never write clinical fields")

	out, err := f.svc.Update(ctx, f.doctor, d.ID, Patch{Notes: &notes})
	require.NoError(t, err)
	require.NotNil(t, out.Notes)
	assert.Equal(t, notes, *out.Notes)
}

func TestStatsAdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reason := "nope"
	cancelled := StatusCancelled

	f.book(t, "10:00")
	d := f.book(t, "10:30")
	_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled, CancellationReason: &reason})
	require.NoError(t, err)

	_, err = f.svc.GetStats(ctx, f.patient, nil, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	st, err := f.svc.GetStats(ctx, f.admin, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Cancelled)
}

func TestRecordPaymentResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.book(t, "10:00")

	_, err := f.svc.RecordPaymentResult(ctx, d.ID, "declined", "tx-1")
	assert.ErrorIs(t, err, ErrInvalidPaymentStatus)

	out, err := f.svc.RecordPaymentResult(ctx, d.ID, PaymentPaid, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, out.Payment.Status)
	require.NotNil(t, out.Payment.TransactionID)
	assert.Equal(t, "tx-1", *out.Payment.TransactionID)
	assert.Equal(t, int64(15000), out.Payment.Amount, "amount untouched")
	assert.Contains(t, f.repo.eventTypes(), EventPaymentRecorded)
}

func TestAvailableSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("closed day is empty", func(t *testing.T) {
		sunday := monday.AddDate(0, 0, 6)
		slots, err := f.svc.AvailableSlots(ctx, f.doctorID, sunday)
		require.NoError(t, err)
		assert.Empty(t, slots)
	})

	t.Run("booked slots are marked", func(t *testing.T) {
		f.book(t, "10:00")

		slots, err := f.svc.AvailableSlots(ctx, f.doctorID, monday)
		require.NoError(t, err)
		require.Len(t, slots, 12)

		byTime := make(map[scheduling.Slot]bool, len(slots))
		for _, s := range slots {
			byTime[s.Time] = s.Available
		}
		assert.False(t, byTime["10:00"])
		assert.True(t, byTime["10:30"])
		assert.True(t, byTime["16:30"])
	})

	t.Run("cancelled slots come back", func(t *testing.T) {
		reason := "illness"
		cancelled := StatusCancelled
		d := f.book(t, "13:00")
		_, err := f.svc.Update(ctx, f.patient, d.ID, Patch{Status: &cancelled, CancellationReason: &reason})
		require.NoError(t, err)

		slots, err := f.svc.AvailableSlots(ctx, f.doctorID, monday)
		require.NoError(t, err)
		for _, s := range slots {
			if s.Time == "13:00" {
				assert.True(t, s.Available)
			}
		}
	})
}

func TestAvailableDaysWithinHorizon(t *testing.T) {
	f := newFixture(t)

	days := f.svc.AvailableDays(monday)
	require.Len(t, days, 6, "seven-day horizon minus the closed Sunday")
	assert.Equal(t, monday, days[0].Date)
	for _, d := range days {
		assert.NotEqual(t, time.Sunday, d.Weekday)
	}
}
