package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of a failure. Decision outcomes use the same
// vocabulary so that a denied decision and a returned error agree on why.
type Kind string

const (
	KindAuthenticationRequired Kind = "AuthenticationRequired"
	KindSiteAccessDenied       Kind = "SiteAccessDenied"
	KindPatientRestricted      Kind = "PatientRestricted"
	KindConsentRequired        Kind = "ConsentRequired"
	KindEmergencyNotEnabled    Kind = "EmergencyNotEnabled"
	KindApprovalRequired       Kind = "ApprovalRequired"
	KindAuditWriteFailure      Kind = "AuditWriteFailure"
	KindPatientNotFound        Kind = "PatientNotFound"
	KindUserNotFound           Kind = "UserNotFound"
	KindAccessError            Kind = "AccessError"

	KindValidation  Kind = "Validation"
	KindForbidden   Kind = "Forbidden"
	KindNotFound    Kind = "NotFound"
	KindConflict    Kind = "Conflict"
	KindInternal    Kind = "Internal"
	KindRateLimited Kind = "RateLimited"
)

// AppError represents an application error
type AppError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any *AppError of the same kind, so sentinels below work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal reports whether callers must not retry the operation.
func (e *AppError) Fatal() bool {
	return e.Kind == KindAuditWriteFailure || e.Kind == KindEmergencyNotEnabled
}

// StatusCode maps the error kind to an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Kind {
	case KindAuthenticationRequired:
		return http.StatusUnauthorized
	case KindSiteAccessDenied, KindPatientRestricted, KindConsentRequired, KindEmergencyNotEnabled, KindForbidden:
		return http.StatusForbidden
	case KindApprovalRequired:
		return http.StatusAccepted
	case KindPatientNotFound, KindUserNotFound, KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuditWriteFailure:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthenticationRequired = &AppError{Kind: KindAuthenticationRequired, Message: "authentication required"}
	ErrSiteAccessDenied       = &AppError{Kind: KindSiteAccessDenied, Message: "site access denied"}
	ErrPatientRestricted      = &AppError{Kind: KindPatientRestricted, Message: "patient restricted"}
	ErrConsentRequired        = &AppError{Kind: KindConsentRequired, Message: "consent required"}
	ErrEmergencyNotEnabled    = &AppError{Kind: KindEmergencyNotEnabled, Message: "emergency access not enabled"}
	ErrApprovalRequired       = &AppError{Kind: KindApprovalRequired, Message: "approval required"}
	ErrAuditWriteFailure      = &AppError{Kind: KindAuditWriteFailure, Message: "audit write failure"}
	ErrPatientNotFound        = &AppError{Kind: KindPatientNotFound, Message: "patient not found"}
	ErrUserNotFound           = &AppError{Kind: KindUserNotFound, Message: "user not found"}
	ErrAccessError            = &AppError{Kind: KindAccessError, Message: "access evaluation failed"}
	ErrValidation             = &AppError{Kind: KindValidation, Message: "validation failed"}
	ErrForbidden              = &AppError{Kind: KindForbidden, Message: "forbidden"}
	ErrNotFound               = &AppError{Kind: KindNotFound, Message: "not found"}
	ErrConflict               = &AppError{Kind: KindConflict, Message: "conflict"}
)

// New builds an AppError of the given kind.
func New(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func NotFound(resource string, err error) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource), err)
}

func Validation(message string, err error) *AppError {
	return New(KindValidation, message, err)
}

func Forbidden(message string) *AppError {
	return New(KindForbidden, message, nil)
}

func Conflict(message string, err error) *AppError {
	return New(KindConflict, message, err)
}

func AuditWriteFailure(err error) *AppError {
	return New(KindAuditWriteFailure, "audit write failure", err)
}

func AccessError(err error) *AppError {
	return New(KindAccessError, "access evaluation failed", err)
}

func Internal(err error) *AppError {
	return New(KindInternal, "internal server error", err)
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// As is a re-export so callers importing this package as errors keep access to it.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is a re-export of the standard errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Join is a re-export of the standard errors.Join. KindOf reports the kind of the first
// joined AppError.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
