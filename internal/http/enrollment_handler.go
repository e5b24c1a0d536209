package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/faceattend/internal/application"
)

// maxFormMemory bounds the in-memory part of multipart enrollment forms.
const maxFormMemory = 32 << 20

type enrollmentService interface {
	NewEmployee(ctx context.Context, input application.EmployeeInput) (application.Enrollment, error)
	ChangeAvatar(ctx context.Context, input application.ChangeAvatarInput) (application.Enrollment, error)
}

// EnrollmentHandler serves the enrollment forms.
type EnrollmentHandler struct {
	service   enrollmentService
	responder responder
	logger    *slog.Logger
}

// NewEnrollmentHandler wires the handler to the enrollment service.
func NewEnrollmentHandler(service enrollmentService, logger *slog.Logger) *EnrollmentHandler {
	base := defaultLogger(logger)
	return &EnrollmentHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *EnrollmentHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "EnrollmentHandler", operation, attrs...)
}

// NewEmployee handles POST /face/new_employee.
func (h *EnrollmentHandler) NewEmployee(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := parseForm(r); err != nil {
		h.log(r.Context(), "NewEmployee", "error_kind", "bad_request").WarnContext(r.Context(), "failed to parse enrollment form", "error", err)
		h.responder.writeErrno(r.Context(), w, http.StatusOK, badForm(err))
		return
	}

	input := application.EmployeeInput{
		No:          r.FormValue("employee_no"),
		FirstName:   r.FormValue("firstname"),
		LastName:    r.FormValue("lastname"),
		EnglishName: r.FormValue("engname"),
		Title:       r.FormValue("title"),
		Group:       r.FormValue("group"),
		Gender:      r.FormValue("gender"),
		Email:       r.FormValue("email"),
		Avatar:      r.FormValue("avatar"),
	}
	logger := h.log(r.Context(), "NewEmployee", "employee_no", strings.TrimSpace(input.No))

	result, err := h.service.NewEmployee(r.Context(), input)
	if err != nil {
		logger.WarnContext(r.Context(), "enrollment rejected", "error", err, "error_kind", application.ErrorKind(err), "outcome", result.Outcome.String())
		h.responder.writeErrno(r.Context(), w, http.StatusOK, err)
		return
	}

	logger.InfoContext(r.Context(), "employee enrolled", "employee_id", result.EmployeeID)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, errnoResponse{Errno: ErrnoOK, EmployeeID: result.EmployeeID})
}

// ChangeAvatar handles POST /face/change_employee_avatar.
func (h *EnrollmentHandler) ChangeAvatar(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := parseForm(r); err != nil {
		h.log(r.Context(), "ChangeAvatar", "error_kind", "bad_request").WarnContext(r.Context(), "failed to parse avatar form", "error", err)
		h.responder.writeErrno(r.Context(), w, http.StatusOK, badForm(err))
		return
	}

	avatar := r.FormValue("img")
	rawID := strings.TrimSpace(r.FormValue("id"))
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil && strings.TrimSpace(avatar) != "" {
		vErr := &application.ValidationError{FieldErrors: map[string]string{"id": "id must be a positive integer"}}
		h.log(r.Context(), "ChangeAvatar", "error_kind", "validation").WarnContext(r.Context(), "invalid employee id", "id", rawID)
		h.responder.writeErrno(r.Context(), w, http.StatusOK, vErr)
		return
	}
	logger := h.log(r.Context(), "ChangeAvatar", "employee_id", id)

	result, err := h.service.ChangeAvatar(r.Context(), application.ChangeAvatarInput{EmployeeID: id, Avatar: avatar})
	if err != nil {
		logger.WarnContext(r.Context(), "avatar change rejected", "error", err, "error_kind", application.ErrorKind(err), "outcome", result.Outcome.String())
		h.responder.writeErrno(r.Context(), w, http.StatusOK, err)
		return
	}

	logger.InfoContext(r.Context(), "avatar changed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, errnoResponse{Errno: ErrnoOK, EmployeeID: result.EmployeeID})
}

func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxFormMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func badForm(err error) error {
	return &application.ValidationError{FieldErrors: map[string]string{"form": err.Error()}}
}
