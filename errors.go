package wavechat

import (
	"context"
	"errors"
)

// Validation failures. They are returned wrapped in *ValidationError and
// never involve a network call.
var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrEmptyAttachment    = errors.New("attachment is empty")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrInvalidPayload     = errors.New("message must carry exactly one of text or image")
	ErrInvalidPair        = errors.New("invalid conversation participants")
	ErrInvalidTarget      = errors.New("invalid conversation or sender")
	ErrMissingCredentials = errors.New("email and password are required")
)

var (
	// ErrSendInFlight is returned when a submission for the same
	// conversation has not completed yet.
	ErrSendInFlight = errors.New("a send is already in progress for this conversation")

	ErrNoSession = errors.New("no active session")

	// ErrNoReference is reported when object storage accepts an upload
	// but returns no URL.
	ErrNoReference = errors.New("storage returned no reference url")
)

// ValidationError is a rejected input caught before any network call. It
// wraps one of the Err* validation sentinels.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error) error {
	return &ValidationError{Err: err}
}

// TransientError is a network or decoding failure. The operation may be
// retried as is.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RemoteError is a service reply with success:false. Message is shown to
// the user verbatim.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string { return e.Op + ": " + e.Message }

// UploadError is a failed attachment upload. No message was appended.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "upload failed: " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }

// OrphanResourceError means the attachment was stored at URL but the
// message referencing it was not appended. The stored object is not
// cleaned up.
type OrphanResourceError struct {
	URL string
	Err error
}

func (e *OrphanResourceError) Error() string {
	return "attachment stored at " + e.URL + " but message was not sent: " + e.Err.Error()
}
func (e *OrphanResourceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a local input rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRetryable reports whether a user may retry the failed operation
// unchanged. For ErrSendInFlight that means once the earlier send is done.
func IsRetryable(err error) bool {
	var (
		t *TransientError
		u *UploadError
		o *OrphanResourceError
	)
	switch {
	case errors.As(err, &t), errors.As(err, &u), errors.As(err, &o):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrSendInFlight):
		return true
	}
	return false
}

// UserMessage renders err for display. Remote rejections are shown verbatim.
func UserMessage(err error) string {
	var r *RemoteError
	if errors.As(err, &r) {
		return r.Message
	}
	var o *OrphanResourceError
	if errors.As(err, &o) {
		return "image uploaded but message not sent, please retry"
	}
	if errors.Is(err, ErrSendInFlight) {
		return "still sending, please wait"
	}
	if IsRetryable(err) {
		return "network problem, please retry"
	}
	return err.Error()
}
