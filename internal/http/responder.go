package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/faceattend/internal/application"
)

// Enrollment error numbers.
const (
	ErrnoOK             = 0
	ErrnoNoAvatar       = 100
	ErrnoNoFace         = 101
	ErrnoMultipleFaces  = 102
	ErrnoEncodingFailed = 103
	ErrnoInternal       = 300
	ErrnoUnauthorized   = 401
	ErrnoValidation     = 400
	ErrnoNotFound       = 404
)

type errnoResponse struct {
	Errno      int               `json:"errno"`
	Message    string            `json:"message,omitempty"`
	EmployeeID int64             `json:"employee_id,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	return responder{logger: defaultLogger(logger)}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeErrno reports err in the errno envelope. Enrollment failures are
// answered with 200 like successes; status only differs for transport level
// rejections.
func (r responder) writeErrno(ctx context.Context, w http.ResponseWriter, status int, err error) {
	resp := errnoFor(err)
	if resp.Errno == ErrnoInternal {
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "error", err, "error_kind", application.ErrorKind(err))
	}
	r.writeJSON(ctx, w, status, resp)
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func errnoFor(err error) errnoResponse {
	switch {
	case err == nil:
		return errnoResponse{Errno: ErrnoOK}
	case errors.Is(err, application.ErrUnauthorized):
		return errnoResponse{Errno: ErrnoUnauthorized, Message: "Unauthorized"}
	case errors.Is(err, application.ErrNoAvatar):
		return errnoResponse{Errno: ErrnoNoAvatar, Message: "No avatar found"}
	case errors.Is(err, application.ErrNoFaceDetected):
		return errnoResponse{Errno: ErrnoNoFace, Message: "No face detected"}
	case errors.Is(err, application.ErrMultipleFacesDetected):
		return errnoResponse{Errno: ErrnoMultipleFaces, Message: "More than one face detected"}
	case errors.Is(err, application.ErrEncodingFailed):
		return errnoResponse{Errno: ErrnoEncodingFailed, Message: "Fail to get the face encodings"}
	case errors.Is(err, application.ErrNotFound):
		return errnoResponse{Errno: ErrnoNotFound, Message: "Employee not found"}
	}

	var vErr *application.ValidationError
	if errors.As(err, &vErr) {
		return errnoResponse{Errno: ErrnoValidation, Message: "Invalid input", Errors: vErr.FieldErrors}
	}
	return errnoResponse{Errno: ErrnoInternal, Message: "Internal error"}
}
