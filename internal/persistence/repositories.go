package persistence

import "context"

// EmployeeRepository reads the employee roster.
type EmployeeRepository interface {
	LoadAllEmployees(ctx context.Context) ([]Employee, error)
	GetEmployee(ctx context.Context, id int64) (Employee, error)
	GetEmployeeByNo(ctx context.Context, no string) (Employee, error)
}

// AttendanceRepository resolves meeting rosters. Only ids of existing
// employees are returned; an unknown meeting yields ErrNotFound.
type AttendanceRepository interface {
	LoadAttendantIDs(ctx context.Context, meetingID int64) ([]int64, error)
}

// MeetingRepository schedules meetings.
type MeetingRepository interface {
	CreateMeeting(ctx context.Context, attendantIDs []int64) (int64, error)
}

// EnrollmentRepository performs the transactional enrollment writes. The
// returned WriteResult reports whether the transaction committed or rolled back.
type EnrollmentRepository interface {
	CreateEmployee(ctx context.Context, rec NewEmployee) (WriteResult, error)
	ChangeAvatar(ctx context.Context, employeeID int64, avatar string, faceReps []byte) (WriteResult, error)
	GetFaceReps(ctx context.Context, employeeID int64) (FaceReps, error)
	GetEmployeeInfo(ctx context.Context, employeeID int64) (EmployeeInfo, error)
}

// Store is the full storage surface used by the server and tooling.
type Store interface {
	EmployeeRepository
	AttendanceRepository
	MeetingRepository
	EnrollmentRepository
	Migrate(ctx context.Context) error
	Close() error
}
