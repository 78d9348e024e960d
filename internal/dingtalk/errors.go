package dingtalk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMediaTooLarge indicates the payload still exceeds the type limit after degrading.
	ErrMediaTooLarge = errors.New("media payload too large")
	// ErrWebhookExpired indicates the reply channel for an inbound message has lapsed.
	ErrWebhookExpired = errors.New("session webhook expired")
)

// APIError is a non-success response from a platform endpoint. Code/SubCode
// come from the new-generation error envelope; legacy endpoints map errcode
// into Code.
type APIError struct {
	StatusCode int
	Code       string
	SubCode    string
	Message    string
}

func (e *APIError) Error() string {
	if e.SubCode != "" {
		return fmt.Sprintf("dingtalk api error: %s (code: %s, subCode: %s, status: %d)", e.Message, e.Code, e.SubCode, e.StatusCode)
	}
	return fmt.Sprintf("dingtalk api error: %s (code: %s, status: %d)", e.Message, e.Code, e.StatusCode)
}

// permissionCodes is the recognized set of send-permission failures. A send
// hitting one of these marks the target high-risk rather than the connection.
var permissionCodes = map[string]struct{}{
	"Forbidden.AccessDenied.AccessTokenPermissionDenied": {},
	"Forbidden.AccessDenied.IpNotInWhiteList":            {},
	"forbidden":                    {},
	"notInConversation":            {},
	"robotNotInConversation":       {},
	"sendMessageNotAuthorized":     {},
	"chatIdNotExist":               {},
	"deptOrUserNotInAuthorization": {},
	"310007":                       {}, // user refused robot messages
	"400002":                       {}, // invalid receiver
}

// PermissionDenied reports whether this failure means the account lacks send
// rights to the target, as opposed to a transient or request-shape error.
func (e *APIError) PermissionDenied() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusForbidden {
		return true
	}
	if _, ok := permissionCodes[e.Code]; ok {
		return true
	}
	if _, ok := permissionCodes[e.SubCode]; ok {
		return true
	}
	return false
}

// IsPermissionDenied reports whether err (or anything it wraps) is a
// permission-class APIError.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.PermissionDenied()
	}
	return false
}

// newAPIError parses a non-success body into an APIError. Both error envelope
// generations are handled: {code, message, subCode} and {errcode, errmsg}.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var envelope struct {
		Code    string      `json:"code"`
		SubCode string      `json:"subCode"`
		Message string      `json:"message"`
		ErrCode json.Number `json:"errcode"`
		ErrMsg  string      `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apiErr
	}
	if code := strings.TrimSpace(envelope.Code); code != "" {
		apiErr.Code = code
	} else if envelope.ErrCode.String() != "" {
		apiErr.Code = envelope.ErrCode.String()
	}
	apiErr.SubCode = strings.TrimSpace(envelope.SubCode)
	if msg := strings.TrimSpace(envelope.Message); msg != "" {
		apiErr.Message = msg
	} else if msg := strings.TrimSpace(envelope.ErrMsg); msg != "" {
		apiErr.Message = msg
	}
	return apiErr
}
