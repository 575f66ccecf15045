package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure. Unknown user and bad password share it.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive indicates a deactivated account.
	ErrAccountInactive = errors.New("account inactive")
	// ErrPendingApproval indicates an account that has not been approved yet.
	ErrPendingApproval = errors.New("account pending approval")
	// ErrUnauthorized indicates a missing, malformed, expired or revoked bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates a valid session without the required grant.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates a uniqueness or referential conflict.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// Stable error codes returned to API clients.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountInactive    = "ACCOUNT_INACTIVE"
	CodePendingApproval    = "PENDING_APPROVAL"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the stable codes. Anything unknown is internal.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrAccountInactive):
		return CodeAccountInactive
	case errors.Is(err, ErrPendingApproval):
		return CodePendingApproval
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// UserSafeMessage returns a fixed message per error code. Wrapped error text never reaches clients.
func UserSafeMessage(err error) string {
	switch ErrorCode(err) {
	case "":
		return ""
	case CodeInvalidCredentials:
		return "Invalid username or password"
	case CodeAccountInactive:
		return "Account is inactive"
	case CodePendingApproval:
		return "Account is pending administrator approval"
	case CodeUnauthorized:
		return "Authentication required"
	case CodeForbidden:
		return "Insufficient permissions"
	case CodeConflict:
		return "Resource already exists or is still in use"
	case CodeNotFound:
		return "Resource not found"
	case CodeValidation:
		return "Request validation failed"
	default:
		return "Internal server error"
	}
}
