package application

import "github.com/example/faceattend/internal/persistence"

// EmployeeInput captures the enrollment form fields.
type EmployeeInput struct {
	No          string
	FirstName   string
	LastName    string
	EnglishName string
	Title       string
	Group       string
	Gender      string
	Email       string
	Avatar      string
}

// ChangeAvatarInput identifies the employee whose avatar and face reps are replaced.
type ChangeAvatarInput struct {
	EmployeeID int64
	Avatar     string
}

// Enrollment reports the effect of an enrollment write.
type Enrollment struct {
	EmployeeID int64
	Outcome    persistence.Outcome
}
