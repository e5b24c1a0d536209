package persistence

import "strings"

// Employee is a row of the employee roster.
type Employee struct {
	ID          int64
	No          string
	FirstName   string
	LastName    string
	EnglishName string
	Title       string
	Group       string
	Gender      int
	Email       string
}

// FullName joins the first and last name with a single space.
func (e Employee) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// EmployeeInfo holds the avatar images shown for an employee.
type EmployeeInfo struct {
	EmployeeID      int64
	Avatar          string
	AvatarThumbnail string
}

// FaceReps is the stored face descriptor of an employee.
type FaceReps struct {
	EmployeeID int64
	Reps       []byte
}

// NewEmployee groups the rows written by a single enrollment.
type NewEmployee struct {
	Employee Employee
	Avatar   string
	FaceReps []byte
}

// Meeting is a scheduled meeting and its attendee employee ids.
type Meeting struct {
	ID           int64
	AttendantIDs []int64
}
