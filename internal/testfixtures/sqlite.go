package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/faceattend/internal/persistence"
	"github.com/example/faceattend/internal/persistence/sqlite"
)

// SQLiteHarness exposes the repositories of a migrated, temporary SQLite
// store for persistence and service tests.
type SQLiteHarness struct {
	Store      *sqlite.Store
	Employees  persistence.EmployeeRepository
	Attendance persistence.AttendanceRepository
	Meetings   persistence.MeetingRepository
	Enrollment persistence.EnrollmentRepository

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness opens a store in tb.TempDir and migrates it. The store is
// closed by tb.Cleanup; calling Close earlier is allowed.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "faceattend.db")
	store, err := sqlite.Open(context.Background(), path)
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &SQLiteHarness{
		Store:      store,
		Employees:  store,
		Attendance: store,
		Meetings:   store,
		Enrollment: store,
		cleanup: func() {
			_ = store.Close()
		},
	}
	tb.Cleanup(harness.Close)
	return harness
}

// SeedEmployee enrolls a fixture employee with a placeholder descriptor and
// returns it with its assigned id.
func (h *SQLiteHarness) SeedEmployee(tb testing.TB, opts ...EmployeeOption) persistence.Employee {
	tb.Helper()
	e := NewEmployee(opts...)
	result, err := h.Enrollment.CreateEmployee(context.Background(), persistence.NewEmployee{
		Employee: e,
		FaceReps: []byte{0},
	})
	if err != nil {
		tb.Fatalf("seed employee %s: %v", e.No, err)
	}
	e.ID = result.EmployeeID
	return e
}

// SeedMeeting schedules a meeting for the given employees.
func (h *SQLiteHarness) SeedMeeting(tb testing.TB, attendees ...persistence.Employee) int64 {
	tb.Helper()
	ids := make([]int64, len(attendees))
	for i, e := range attendees {
		ids[i] = e.ID
	}
	id, err := h.Meetings.CreateMeeting(context.Background(), ids)
	if err != nil {
		tb.Fatalf("seed meeting: %v", err)
	}
	return id
}
