// Package httpx provides HTTP response utilities.
package httpx

import (
	"net/http"

	"github.com/buildingops/buildingops/internal/shared"
)

var titles = map[string]string{
	shared.CodeInvalidCredentials: "Invalid Credentials",
	shared.CodeAccountInactive:    "Account Inactive",
	shared.CodePendingApproval:    "Pending Approval",
	shared.CodeUnauthorized:       "Unauthorized",
	shared.CodeForbidden:          "Forbidden",
	shared.CodeConflict:           "Conflict",
	shared.CodeNotFound:           "Not Found",
	shared.CodeValidation:         "Validation Failed",
	shared.CodeInternal:           "Internal Error",
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch shared.ErrorCode(err) {
	case shared.CodeInvalidCredentials, shared.CodeUnauthorized:
		return http.StatusUnauthorized
	case shared.CodeAccountInactive, shared.CodePendingApproval, shared.CodeForbidden:
		return http.StatusForbidden
	case shared.CodeConflict:
		return http.StatusConflict
	case shared.CodeNotFound:
		return http.StatusNotFound
	case shared.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	code := shared.ErrorCode(err)
	if code == "" {
		code = shared.CodeInternal
	}
	status := StatusFor(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="buildingops"`)
	}
	JSON(w, status, ProblemDetail{
		Title:  titles[code],
		Status: status,
		Code:   code,
		Detail: shared.UserSafeMessage(err),
	})
}
