// Package postgres implements the persistence repositories on PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/faceattend/internal/persistence"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ persistence.Store = (*Store)(nil)

// Store implements persistence.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, dsn: dsn}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies every pending schema migration.
func (s *Store) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.dsn)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", persistence.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s", persistence.ErrConstraintViolation, pgErr.Message)
	}
	return err
}

// withTransaction runs fn in a transaction that is rolled back unless fn
// succeeds and the commit goes through.
func (s *Store) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (persistence.WriteResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence.WriteResult{Outcome: persistence.OutcomeNotStarted}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(tx); err != nil {
		return persistence.WriteResult{Outcome: persistence.OutcomeRolledBack}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence.WriteResult{Outcome: persistence.OutcomeRolledBack}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return persistence.WriteResult{Outcome: persistence.OutcomeCommitted}, nil
}

const employeeColumns = `employee_id, employee_no, first_name, last_name, english_name, job_title, "group", gender, email`

func scanEmployee(row pgx.Row) (persistence.Employee, error) {
	var e persistence.Employee
	var gender int16
	err := row.Scan(&e.ID, &e.No, &e.FirstName, &e.LastName, &e.EnglishName, &e.Title, &e.Group, &gender, &e.Email)
	e.Gender = int(gender)
	return e, err
}

// LoadAllEmployees returns the whole roster ordered by id.
func (s *Store) LoadAllEmployees(ctx context.Context) ([]persistence.Employee, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+employeeColumns+` FROM mg_employee ORDER BY employee_id`)
	if err != nil {
		return nil, fmt.Errorf("load employees: %w", err)
	}
	defer rows.Close()

	employees := []persistence.Employee{}
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("load employees: %w", err)
		}
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load employees: %w", err)
	}
	return employees, nil
}

// GetEmployee retrieves an employee by id
func (s *Store) GetEmployee(ctx context.Context, id int64) (persistence.Employee, error) {
	e, err := scanEmployee(s.pool.QueryRow(ctx, `SELECT `+employeeColumns+` FROM mg_employee WHERE employee_id = $1`, id))
	if err != nil {
		return persistence.Employee{}, mapError(err)
	}
	return e, nil
}

// GetEmployeeByNo retrieves an employee by employee number
func (s *Store) GetEmployeeByNo(ctx context.Context, no string) (persistence.Employee, error) {
	no = strings.TrimSpace(no)
	if no == "" {
		return persistence.Employee{}, persistence.ErrNotFound
	}
	e, err := scanEmployee(s.pool.QueryRow(ctx, `SELECT `+employeeColumns+` FROM mg_employee WHERE employee_no = $1`, no))
	if err != nil {
		return persistence.Employee{}, mapError(err)
	}
	return e, nil
}

// LoadAttendantIDs returns the ids listed for the meeting that belong to
// existing employees, in listed order.
func (s *Store) LoadAttendantIDs(ctx context.Context, meetingID int64) ([]int64, error) {
	var csv *string
	if err := s.pool.QueryRow(ctx, `SELECT attendants FROM mg_meeting_schedule WHERE schedule_id = $1`, meetingID).Scan(&csv); err != nil {
		return nil, fmt.Errorf("meeting %d: %w", meetingID, mapError(err))
	}
	var value string
	if csv != nil {
		value = *csv
	}
	listed, err := persistence.ParseAttendantIDs(value)
	if err != nil {
		return nil, fmt.Errorf("meeting %d: %w", meetingID, err)
	}
	if len(listed) == 0 {
		return []int64{}, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT employee_id FROM mg_employee WHERE employee_id = ANY($1)`, listed)
	if err != nil {
		return nil, fmt.Errorf("meeting %d attendants: %w", meetingID, err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("meeting %d attendants: %w", meetingID, err)
	}
	known := make(map[int64]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}

	ids := make([]int64, 0, len(known))
	for _, id := range listed {
		if _, ok := known[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CreateMeeting stores a meeting with the given attendees and returns its id.
func (s *Store) CreateMeeting(ctx context.Context, attendantIDs []int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO mg_meeting_schedule (attendants) VALUES ($1) RETURNING schedule_id`,
		persistence.FormatAttendantIDs(attendantIDs)).Scan(&id)
	if err != nil {
		return 0, mapError(err)
	}
	return id, nil
}

// CreateEmployee inserts the employee, avatar and face descriptor rows in
// one transaction.
func (s *Store) CreateEmployee(ctx context.Context, rec persistence.NewEmployee) (persistence.WriteResult, error) {
	e := rec.Employee
	e.No = strings.TrimSpace(e.No)
	if e.No == "" || len(rec.FaceReps) == 0 {
		return persistence.WriteResult{Outcome: persistence.OutcomeNotStarted}, persistence.ErrConstraintViolation
	}

	var id int64
	result, err := s.withTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO mg_employee (employee_no, first_name, last_name, english_name, job_title, "group", gender, email)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING employee_id`,
			e.No, e.FirstName, e.LastName, e.EnglishName, e.Title, e.Group, int16(e.Gender), e.Email,
		).Scan(&id)
		if err != nil {
			return mapError(err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO mg_employee_info (employee_id, avatar) VALUES ($1, $2)`, id, rec.Avatar); err != nil {
			return mapError(err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO mg_employee_reps (employee_id, face_reps) VALUES ($1, $2)`, id, rec.FaceReps); err != nil {
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("create employee %s: %w", e.No, err)
	}
	result.EmployeeID = id
	return result, nil
}

// ChangeAvatar replaces the avatar and face descriptor of an existing
// employee in one transaction.
func (s *Store) ChangeAvatar(ctx context.Context, employeeID int64, avatar string, faceReps []byte) (persistence.WriteResult, error) {
	if len(faceReps) == 0 {
		return persistence.WriteResult{Outcome: persistence.OutcomeNotStarted}, persistence.ErrConstraintViolation
	}
	result, err := s.withTransaction(ctx, func(tx pgx.Tx) error {
		var exists int64
		if err := tx.QueryRow(ctx, `SELECT employee_id FROM mg_employee WHERE employee_id = $1 FOR UPDATE`, employeeID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO mg_employee_info (employee_id, avatar) VALUES ($1, $2)
			 ON CONFLICT (employee_id) DO UPDATE SET avatar = EXCLUDED.avatar`, employeeID, avatar); err != nil {
			return mapError(err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO mg_employee_reps (employee_id, face_reps) VALUES ($1, $2)
			 ON CONFLICT (employee_id) DO UPDATE SET face_reps = EXCLUDED.face_reps`, employeeID, faceReps); err != nil {
			return mapError(err)
		}
		return nil
	})
	result.EmployeeID = employeeID
	if err != nil {
		return result, fmt.Errorf("change avatar of employee %d: %w", employeeID, err)
	}
	return result, nil
}

// GetFaceReps returns the stored face descriptor of an employee.
func (s *Store) GetFaceReps(ctx context.Context, employeeID int64) (persistence.FaceReps, error) {
	reps := persistence.FaceReps{EmployeeID: employeeID}
	if err := s.pool.QueryRow(ctx, `SELECT face_reps FROM mg_employee_reps WHERE employee_id = $1`, employeeID).Scan(&reps.Reps); err != nil {
		return persistence.FaceReps{}, mapError(err)
	}
	return reps, nil
}

// GetEmployeeInfo returns the avatar row of an employee.
func (s *Store) GetEmployeeInfo(ctx context.Context, employeeID int64) (persistence.EmployeeInfo, error) {
	info := persistence.EmployeeInfo{EmployeeID: employeeID}
	err := s.pool.QueryRow(ctx, `SELECT avatar, avatar_thumbnail FROM mg_employee_info WHERE employee_id = $1`, employeeID).
		Scan(&info.Avatar, &info.AvatarThumbnail)
	if err != nil {
		return persistence.EmployeeInfo{}, mapError(err)
	}
	return info, nil
}
