// Package sqlite implements the persistence repositories on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/example/faceattend/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store implements persistence.Store on a single SQLite database.
type Store struct {
	pool   *ConnectionPool
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// Open connects to the database named by dsn. Call Migrate before use on a
// fresh database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewConnectionPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewStore(pool), nil
}

// NewStore wraps an existing connection pool.
func NewStore(pool *ConnectionPool) *Store {
	return &Store{
		pool:   pool,
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.pool.Close()
}

const employeeColumns = `employee_id, employee_no, first_name, last_name, english_name, job_title, "group", gender, email`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (persistence.Employee, error) {
	var e persistence.Employee
	err := row.Scan(&e.ID, &e.No, &e.FirstName, &e.LastName, &e.EnglishName, &e.Title, &e.Group, &e.Gender, &e.Email)
	return e, err
}

// LoadAllEmployees returns the whole roster ordered by id.
func (s *Store) LoadAllEmployees(ctx context.Context) ([]persistence.Employee, error) {
	var employees []persistence.Employee
	err := s.retry.WithRetry(ctx, func() error {
		rows, err := s.helper.Query(ctx, `SELECT `+employeeColumns+` FROM mg_employee ORDER BY employee_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		employees = employees[:0]
		for rows.Next() {
			e, err := scanEmployee(rows)
			if err != nil {
				return err
			}
			employees = append(employees, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load employees: %w", err)
	}
	if employees == nil {
		employees = []persistence.Employee{}
	}
	return employees, nil
}

// GetEmployee retrieves an employee by id
func (s *Store) GetEmployee(ctx context.Context, id int64) (persistence.Employee, error) {
	row := s.helper.QueryRow(ctx, `SELECT `+employeeColumns+` FROM mg_employee WHERE employee_id = ?`, id)
	e, err := scanEmployee(row)
	if err != nil {
		return persistence.Employee{}, s.mapper.MapError(err)
	}
	return e, nil
}

// GetEmployeeByNo retrieves an employee by employee number
func (s *Store) GetEmployeeByNo(ctx context.Context, no string) (persistence.Employee, error) {
	no = strings.TrimSpace(no)
	if no == "" {
		return persistence.Employee{}, persistence.ErrNotFound
	}
	row := s.helper.QueryRow(ctx, `SELECT `+employeeColumns+` FROM mg_employee WHERE employee_no = ?`, no)
	e, err := scanEmployee(row)
	if err != nil {
		return persistence.Employee{}, s.mapper.MapError(err)
	}
	return e, nil
}

// LoadAttendantIDs returns the ids listed for the meeting that belong to
// existing employees, in listed order.
func (s *Store) LoadAttendantIDs(ctx context.Context, meetingID int64) ([]int64, error) {
	var csv sql.NullString
	err := s.retry.WithRetry(ctx, func() error {
		return s.helper.QueryRow(ctx, `SELECT attendants FROM mg_meeting_schedule WHERE schedule_id = ?`, meetingID).Scan(&csv)
	})
	if err != nil {
		return nil, fmt.Errorf("meeting %d: %w", meetingID, err)
	}

	listed, err := persistence.ParseAttendantIDs(csv.String)
	if err != nil {
		return nil, fmt.Errorf("meeting %d: %w", meetingID, err)
	}
	if len(listed) == 0 {
		return []int64{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(listed)), ",")
	args := make([]any, len(listed))
	for i, id := range listed {
		args[i] = id
	}

	existing := make(map[int64]struct{}, len(listed))
	err = s.retry.WithRetry(ctx, func() error {
		rows, err := s.helper.Query(ctx, `SELECT employee_id FROM mg_employee WHERE employee_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			existing[id] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("meeting %d attendants: %w", meetingID, err)
	}

	ids := make([]int64, 0, len(existing))
	for _, id := range listed {
		if _, ok := existing[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CreateMeeting stores a meeting with the given attendees and returns its id.
func (s *Store) CreateMeeting(ctx context.Context, attendantIDs []int64) (int64, error) {
	res, err := s.helper.Exec(ctx, `INSERT INTO mg_meeting_schedule (attendants) VALUES (?)`, persistence.FormatAttendantIDs(attendantIDs))
	if err != nil {
		return 0, s.mapper.MapError(err)
	}
	return res.LastInsertId()
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
	result, err := s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := s.helper.ExecTx(ctx, tx,
			`INSERT INTO mg_employee (employee_no, first_name, last_name, english_name, job_title, "group", gender, email)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.No, e.FirstName, e.LastName, e.EnglishName, e.Title, e.Group, e.Gender, e.Email,
		)
		if err != nil {
			return s.mapper.MapError(err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if _, err := s.helper.ExecTx(ctx, tx,
			`INSERT INTO mg_employee_info (employee_id, avatar) VALUES (?, ?)`, id, rec.Avatar); err != nil {
			return s.mapper.MapError(err)
		}
		if _, err := s.helper.ExecTx(ctx, tx,
			`INSERT INTO mg_employee_reps (employee_id, face_reps) VALUES (?, ?)`, id, rec.FaceReps); err != nil {
			return s.mapper.MapError(err)
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
	result, err := s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		var exists int64
		if err := s.helper.QueryRowTx(ctx, tx, `SELECT employee_id FROM mg_employee WHERE employee_id = ?`, employeeID).Scan(&exists); err != nil {
			return s.mapper.MapError(err)
		}
		if _, err := s.helper.ExecTx(ctx, tx,
			`INSERT INTO mg_employee_info (employee_id, avatar) VALUES (?, ?)
			 ON CONFLICT(employee_id) DO UPDATE SET avatar = excluded.avatar`, employeeID, avatar); err != nil {
			return s.mapper.MapError(err)
		}
		if _, err := s.helper.ExecTx(ctx, tx,
			`INSERT INTO mg_employee_reps (employee_id, face_reps) VALUES (?, ?)
			 ON CONFLICT(employee_id) DO UPDATE SET face_reps = excluded.face_reps`, employeeID, faceReps); err != nil {
			return s.mapper.MapError(err)
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
	err := s.helper.QueryRow(ctx, `SELECT face_reps FROM mg_employee_reps WHERE employee_id = ?`, employeeID).Scan(&reps.Reps)
	if err != nil {
		return persistence.FaceReps{}, s.mapper.MapError(err)
	}
	return reps, nil
}

// GetEmployeeInfo returns the avatar row of an employee.
func (s *Store) GetEmployeeInfo(ctx context.Context, employeeID int64) (persistence.EmployeeInfo, error) {
	info := persistence.EmployeeInfo{EmployeeID: employeeID}
	err := s.helper.QueryRow(ctx, `SELECT avatar, avatar_thumbnail FROM mg_employee_info WHERE employee_id = ?`, employeeID).
		Scan(&info.Avatar, &info.AvatarThumbnail)
	if err != nil {
		return persistence.EmployeeInfo{}, s.mapper.MapError(err)
	}
	return info, nil
}

