package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/example/faceattend/internal/classifier"
	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/persistence"
	"github.com/example/faceattend/internal/recognition"
)

// DefaultEnrollmentTimeout bounds the engine calls of one enrollment.
const DefaultEnrollmentTimeout = 30 * time.Second

// EnrollmentStore captures the persistence operations needed by enrollment.
type EnrollmentStore interface {
	CreateEmployee(ctx context.Context, rec persistence.NewEmployee) (persistence.WriteResult, error)
	ChangeAvatar(ctx context.Context, employeeID int64, avatar string, faceReps []byte) (persistence.WriteResult, error)
	GetEmployeeByNo(ctx context.Context, no string) (persistence.Employee, error)
}

// EnrollmentService extracts a single face descriptor from an avatar and
// stores it together with the employee record.
type EnrollmentService struct {
	store   EnrollmentStore
	engine  recognition.Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewEnrollmentService wires dependencies for enrollment. A non-positive
// timeout selects DefaultEnrollmentTimeout.
func NewEnrollmentService(store EnrollmentStore, engine recognition.Engine, timeout time.Duration, logger *slog.Logger) *EnrollmentService {
	if timeout <= 0 {
		timeout = DefaultEnrollmentTimeout
	}
	return &EnrollmentService{store: store, engine: engine, timeout: timeout, logger: defaultLogger(logger)}
}

// NewEmployee validates input, extracts the face reps and writes the
// employee, avatar and reps in one transaction.
func (s *EnrollmentService) NewEmployee(ctx context.Context, input EmployeeInput) (Enrollment, error) {
	if s == nil || s.store == nil || s.engine == nil {
		return Enrollment{}, fmt.Errorf("EnrollmentService is not configured")
	}
	logger := serviceLogger(ctx, s.logger, "EnrollmentService", "NewEmployee", "employee_no", strings.TrimSpace(input.No))

	if strings.TrimSpace(input.Avatar) == "" {
		return Enrollment{}, ErrNoAvatar
	}
	employee, vErr := normalizeEmployeeInput(input)
	if vErr.HasErrors() {
		return Enrollment{}, vErr
	}

	reps, err := s.extractFaceReps(ctx, input.Avatar)
	if err != nil {
		logger.WarnContext(ctx, "face extraction failed", "error", err, "error_kind", ErrorKind(err))
		return Enrollment{}, err
	}

	result, err := s.store.CreateEmployee(ctx, persistence.NewEmployee{
		Employee: employee,
		Avatar:   input.Avatar,
		FaceReps: reps,
	})
	if err != nil {
		logger.ErrorContext(ctx, "employee enrollment failed", "error", err, "outcome", result.Outcome.String())
		return Enrollment{Outcome: result.Outcome}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	logger.InfoContext(ctx, "employee enrolled", "employee_id", result.EmployeeID)
	return Enrollment{EmployeeID: result.EmployeeID, Outcome: result.Outcome}, nil
}

// ChangeAvatar replaces the avatar and face reps of an existing employee.
func (s *EnrollmentService) ChangeAvatar(ctx context.Context, input ChangeAvatarInput) (Enrollment, error) {
	if s == nil || s.store == nil || s.engine == nil {
		return Enrollment{}, fmt.Errorf("EnrollmentService is not configured")
	}
	logger := serviceLogger(ctx, s.logger, "EnrollmentService", "ChangeAvatar", "employee_id", input.EmployeeID)

	if strings.TrimSpace(input.Avatar) == "" {
		return Enrollment{}, ErrNoAvatar
	}
	if input.EmployeeID <= 0 {
		vErr := &ValidationError{}
		vErr.add("id", "id must be a positive integer")
		return Enrollment{}, vErr
	}

	reps, err := s.extractFaceReps(ctx, input.Avatar)
	if err != nil {
		logger.WarnContext(ctx, "face extraction failed", "error", err, "error_kind", ErrorKind(err))
		return Enrollment{}, err
	}

	result, err := s.store.ChangeAvatar(ctx, input.EmployeeID, input.Avatar, reps)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Enrollment{Outcome: result.Outcome}, ErrNotFound
		}
		logger.ErrorContext(ctx, "avatar change failed", "error", err, "outcome", result.Outcome.String())
		return Enrollment{Outcome: result.Outcome}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	logger.InfoContext(ctx, "avatar changed")
	return Enrollment{EmployeeID: input.EmployeeID, Outcome: result.Outcome}, nil
}

// ChangeAvatarByNo resolves an employee number and replaces that employee's avatar.
func (s *EnrollmentService) ChangeAvatarByNo(ctx context.Context, employeeNo, avatar string) (Enrollment, error) {
	if s == nil || s.store == nil {
		return Enrollment{}, fmt.Errorf("EnrollmentService is not configured")
	}
	employee, err := s.store.GetEmployeeByNo(ctx, strings.TrimSpace(employeeNo))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return s.ChangeAvatar(ctx, ChangeAvatarInput{EmployeeID: employee.ID, Avatar: avatar})
}

// extractFaceReps requires exactly one face in the avatar and returns its
// encoded descriptor.
func (s *EnrollmentService) extractFaceReps(ctx context.Context, avatar string) ([]byte, error) {
	f, err := frame.DecodeDataURL(avatar)
	if err != nil {
		vErr := &ValidationError{}
		vErr.add("avatar", "avatar is not a valid image")
		return nil, vErr
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	boxes, err := s.engine.Detect(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	kept := boxes[:0]
	for _, b := range boxes {
		b = b.Trim(f.Width(), f.Height())
		if !b.Empty() {
			kept = append(kept, b)
		}
	}
	switch len(kept) {
	case 0:
		return nil, ErrNoFaceDetected
	case 1:
	default:
		return nil, ErrMultipleFacesDetected
	}

	descriptors, err := s.engine.Encode(ctx, f, kept)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	if len(descriptors) == 0 || len(descriptors[0]) == 0 {
		return nil, ErrEncodingFailed
	}
	reps, err := classifier.MarshalDescriptor(descriptors[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return reps, nil
}

func normalizeEmployeeInput(input EmployeeInput) (persistence.Employee, *ValidationError) {
	vErr := &ValidationError{}
	employee := persistence.Employee{
		No:          strings.TrimSpace(input.No),
		FirstName:   strings.TrimSpace(input.FirstName),
		LastName:    strings.TrimSpace(input.LastName),
		EnglishName: strings.TrimSpace(input.EnglishName),
		Title:       strings.TrimSpace(input.Title),
		Group:       strings.TrimSpace(input.Group),
		Email:       strings.TrimSpace(input.Email),
	}

	if employee.No == "" {
		vErr.add("employee_no", "employee number is required")
	} else if employee.No == recognition.UnknownLabel {
		vErr.add("employee_no", "employee number is reserved")
	}
	if employee.FirstName == "" {
		vErr.add("firstname", "first name is required")
	}
	if employee.LastName == "" {
		vErr.add("lastname", "last name is required")
	}
	if gender := strings.TrimSpace(input.Gender); gender != "" {
		n, err := strconv.Atoi(gender)
		if err != nil {
			vErr.add("gender", "gender must be an integer")
		} else {
			employee.Gender = n
		}
	}
	if employee.Email != "" {
		if _, err := mail.ParseAddress(employee.Email); err != nil {
			vErr.add("email", "email is invalid")
		}
	}
	return employee, vErr
}
