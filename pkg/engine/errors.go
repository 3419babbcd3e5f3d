package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an error so callers can tell a denial from a failure.
type ErrorKind string

const (
	// KindCapability means the operation is not allowed for the type in its
	// current state. No side effect happened and the caller may change its request.
	KindCapability ErrorKind = "capability"

	// KindResource means a driver failed while provisioning. The element state is
	// unchanged and the caller may retry.
	KindResource ErrorKind = "resource"

	// KindNotFound means an unknown type, element, or connection.
	KindNotFound ErrorKind = "not_found"

	// KindInternal means the kernel detected a broken invariant. It is a defect,
	// never a normal denial.
	KindInternal ErrorKind = "internal"
)

// EngineError is a classified error carrying the offending type, state, action
// and attribute.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Type is the element or connection type involved.
	Type TypeName `json:"type,omitempty"`

	// State is the state the record was in when the error occurred.
	State State `json:"state,omitempty"`

	// Action is the action being invoked, if any.
	Action ActionName `json:"action,omitempty"`

	// Attribute is the attribute being written, if any.
	Attribute AttrName `json:"attribute,omitempty"`

	// ID is the element or connection id, if any.
	ID ID `json:"id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var ctx []string
	if e.ID != 0 {
		ctx = append(ctx, fmt.Sprintf("id=%d", e.ID))
	}
	if e.Type != "" {
		ctx = append(ctx, "type="+string(e.Type))
	}
	if e.State != "" {
		ctx = append(ctx, "state="+string(e.State))
	}
	if e.Action != "" {
		ctx = append(ctx, "action="+string(e.Action))
	}
	if e.Attribute != "" {
		ctx = append(ctx, "attribute="+string(e.Attribute))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(message string) *EngineError {
	return &EngineError{Kind: KindCapability, Message: message, Code: ErrCodeNotAllowed}
}

// NewResourceError creates a new resource error wrapping a driver failure.
func NewResourceError(message string, err error) *EngineError {
	return &EngineError{Kind: KindResource, Message: message, Code: ErrCodeDriverFailed, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string) *EngineError {
	return &EngineError{Kind: KindNotFound, Message: message, Code: ErrCodeNotFound}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Kind: KindInternal, Message: message, Code: ErrCodeInternal, Err: err}
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithType adds type context to an error.
func (e *EngineError) WithType(t TypeName) *EngineError {
	e.Type = t
	return e
}

// WithState adds state context to an error.
func (e *EngineError) WithState(s State) *EngineError {
	e.State = s
	return e
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(a ActionName) *EngineError {
	e.Action = a
	return e
}

// WithAttribute adds attribute context to an error.
func (e *EngineError) WithAttribute(a AttrName) *EngineError {
	e.Attribute = a
	return e
}

// WithID adds the element or connection id to an error.
func (e *EngineError) WithID(id ID) *EngineError {
	e.ID = id
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func kindOf(err error) (ErrorKind, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsCapability returns true if the error is a capability denial.
func IsCapability(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindCapability
}

// IsResource returns true if the error is a driver-level failure.
func IsResource(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindResource
}

// IsNotFound returns true if the error reports an unknown type, element or connection.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsInternal returns true if the error reports a kernel defect.
func IsInternal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInternal
}

// IsRetryable returns true if the same request may succeed when retried.
// Only resource errors are retryable.
func IsRetryable(err error) bool {
	return IsResource(err)
}

// asDriverError classifies an error returned by a driver. Engine errors pass
// through unchanged, anything else becomes a resource error.
func asDriverError(err error, message string) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewResourceError(message, err)
}

// withID attaches id to a classified error that does not carry one yet.
func withID(err error, id ID) error {
	var e *EngineError
	if errors.As(err, &e) && e.ID == 0 {
		e.ID = id
	}
	return err
}

// RemovalError reports a cascading removal that stopped part way. Records
// listed in Removed stay removed.
type RemovalError struct {
	// Root is the element the removal was requested for.
	Root ID `json:"root"`

	// Removed lists descendants that were removed before the failure, in removal order.
	Removed []ID `json:"removed"`

	// NotRemoved lists records that still exist, including Root.
	NotRemoved []ID `json:"not_removed"`

	// Failed is the record whose removal failed.
	Failed ID `json:"failed"`

	// Err is the failure.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RemovalError) Error() string {
	return fmt.Sprintf("cascading removal of %d failed at %d (removed %v, not removed %v): %v",
		e.Root, e.Failed, e.Removed, e.NotRemoved, e.Err)
}

// Unwrap returns the failure so errors.As finds the classified cause.
func (e *RemovalError) Unwrap() error {
	return e.Err
}

// Common error codes.
const (
	ErrCodeNotAllowed         = "NOT_ALLOWED"
	ErrCodeUnknownAttr        = "UNKNOWN_ATTRIBUTE"
	ErrCodeUnknownAction      = "UNKNOWN_ACTION"
	ErrCodeInvalidValue       = "INVALID_VALUE"
	ErrCodeHasChildren        = "HAS_CHILDREN"
	ErrCodeConnected          = "CONNECTED"
	ErrCodeIncompatible       = "INCOMPATIBLE_CONCEPT"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeDriverFailed       = "DRIVER_FAILED"
	ErrCodeResourcesExhausted = "RESOURCES_EXHAUSTED"
	ErrCodeTimeout            = "TIMEOUT"
)
