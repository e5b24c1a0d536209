package application

import "errors"

var (
	// ErrUnauthorized is returned when the caller did not present a valid admin key.
	ErrUnauthorized = errors.New("application: unauthorized")
	// ErrNotFound is returned when the requested employee does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrNoAvatar is returned when an enrollment carries no image.
	ErrNoAvatar = errors.New("application: no avatar found")
	// ErrNoFaceDetected is returned when the enrollment image contains no face.
	ErrNoFaceDetected = errors.New("application: no face detected")
	// ErrMultipleFacesDetected is returned when the enrollment image contains more than one face.
	ErrMultipleFacesDetected = errors.New("application: more than one face detected")
	// ErrEncodingFailed is returned when no descriptor could be computed for the detected face.
	ErrEncodingFailed = errors.New("application: failed to get the face encodings")
	// ErrStorage is returned when an enrollment write did not commit.
	ErrStorage = errors.New("application: storage failure")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}
