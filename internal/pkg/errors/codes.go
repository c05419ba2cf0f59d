package errors

import (
	"fmt"
	"net/http"
)

// Code represents an error code with HTTP status and message
type Code struct {
	Code    int    // Business error code
	Status  int    // HTTP status code
	Message string // Error message
}

// Error codes for different modules
const (
	// Success
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer  = 1000
	ErrInvalidParams   = 1001
	ErrNotFound        = 1002
	ErrUnauthorized    = 1003
	ErrForbidden       = 1004
	ErrConflict        = 1005
	ErrTooManyRequests = 1006
	ErrBadRequest      = 1007
	ErrServiceUnavail  = 1008

	// Chat turn errors (2000-2999)
	ErrChatNotFound       = 2000
	ErrInvalidTurnRequest = 2001
	ErrMessageNotFound    = 2002
	ErrTurnModeConflict   = 2003

	// Credential errors (3000-3999)
	ErrCredentialRequired = 3000
	ErrCredentialInvalid  = 3001
	ErrProviderUnavail    = 3002

	// Quota errors (4000-4999)
	ErrQuotaExceeded       = 4000
	ErrAPIKeyQuotaExceeded = 4001
)

// codeMap maps error codes to their details
var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	ErrInternalServer:  {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:   {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:        {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrUnauthorized:    {ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	ErrForbidden:       {ErrForbidden, http.StatusForbidden, "Forbidden"},
	ErrConflict:        {ErrConflict, http.StatusConflict, "Resource conflict"},
	ErrTooManyRequests: {ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
	ErrBadRequest:      {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrServiceUnavail:  {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	ErrChatNotFound:       {ErrChatNotFound, http.StatusNotFound, "Chat not found"},
	ErrInvalidTurnRequest: {ErrInvalidTurnRequest, http.StatusBadRequest, "Invalid turn request"},
	ErrMessageNotFound:    {ErrMessageNotFound, http.StatusNotFound, "Message not found"},
	ErrTurnModeConflict:   {ErrTurnModeConflict, http.StatusBadRequest, "Exactly one of normal, reload or edit mode must be active"},

	ErrCredentialRequired: {ErrCredentialRequired, http.StatusForbidden, "This model requires your own API credential"},
	ErrCredentialInvalid:  {ErrCredentialInvalid, http.StatusForbidden, "API credential is invalid"},
	ErrProviderUnavail:    {ErrProviderUnavail, http.StatusBadGateway, "Model provider unavailable"},

	ErrQuotaExceeded:       {ErrQuotaExceeded, http.StatusTooManyRequests, "Daily message quota exceeded"},
	ErrAPIKeyQuotaExceeded: {ErrAPIKeyQuotaExceeded, http.StatusTooManyRequests, "API key usage quota exceeded"},
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	if c, ok := codeMap[code]; ok {
		return c.Message
	}
	return "Unknown error"
}

// GetHTTPStatus returns the HTTP status code for a given error code
func GetHTTPStatus(code int) int {
	if c, ok := codeMap[code]; ok {
		return c.Status
	}
	return http.StatusInternalServerError
}

// FormatError formats an error message with optional details
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
