package chat

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the chat service. Handlers map these to HTTP
// statuses; everything else is treated as internal.
var (
	// ErrValidation marks malformed input: empty content, non-positive page, bad timestamp.
	ErrValidation = errors.New("chat: validation failed")
	// ErrForbidden marks a requester that is not a member of the partition's pair.
	ErrForbidden = errors.New("chat: requester not a partition member")
	// ErrNotFound marks an unresolvable participant identity.
	ErrNotFound = errors.New("chat: participant not found")
	// ErrStorageUnavailable marks a persistence-layer failure. Callers must not
	// assume the write happened.
	ErrStorageUnavailable = errors.New("chat: storage unavailable")
)

// ServiceError carries a dotted operation.reason code alongside the error
// kind and the underlying cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}
