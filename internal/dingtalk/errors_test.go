package dingtalk

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAPIError_BothEnvelopes(t *testing.T) {
	t.Parallel()

	modern := newAPIError(403, []byte(`{"code":"Forbidden.AccessDenied.AccessTokenPermissionDenied","message":"no permission","subCode":"notInConversation"}`))
	if modern.Code != "Forbidden.AccessDenied.AccessTokenPermissionDenied" || modern.SubCode != "notInConversation" {
		t.Fatalf("modern = %+v", modern)
	}
	if modern.Message != "no permission" {
		t.Fatalf("message = %q", modern.Message)
	}

	legacy := newAPIError(400, []byte(`{"errcode":310007,"errmsg":"user refused"}`))
	if legacy.Code != "310007" || legacy.Message != "user refused" {
		t.Fatalf("legacy = %+v", legacy)
	}

	junk := newAPIError(502, []byte("bad gateway"))
	if junk.Message != "bad gateway" || junk.Code != "" {
		t.Fatalf("junk = %+v", junk)
	}
}

func TestNewAPIError_StringCodeClassifies(t *testing.T) {
	t.Parallel()

	apiErr := newAPIError(400, []byte(`{"code":"robotNotInConversation","message":"robot is not in the conversation"}`))
	if apiErr.Code != "robotNotInConversation" {
		t.Fatalf("code = %q", apiErr.Code)
	}
	if apiErr.Message != "robot is not in the conversation" {
		t.Fatalf("message = %q", apiErr.Message)
	}
	if !apiErr.PermissionDenied() {
		t.Fatalf("string-coded permission failure must classify on a non-403 status")
	}
}

func TestPermissionDenied(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"http 403", &APIError{StatusCode: 403}, true},
		{"known code", &APIError{StatusCode: 400, Code: "310007"}, true},
		{"known subcode", &APIError{StatusCode: 400, SubCode: "robotNotInConversation"}, true},
		{"transient", &APIError{StatusCode: 500, Code: "InternalError"}, false},
		{"bad request", &APIError{StatusCode: 400, Code: "InvalidParameter"}, false},
	}
	for _, tc := range cases {
		if got := tc.err.PermissionDenied(); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsPermissionDenied_Wrapped(t *testing.T) {
	t.Parallel()

	inner := &APIError{StatusCode: 403, Message: "denied"}
	wrapped := fmt.Errorf("robot send: %w", inner)
	if !IsPermissionDenied(wrapped) {
		t.Fatalf("wrapped permission error must be detected")
	}
	if IsPermissionDenied(errors.New("plain failure")) {
		t.Fatalf("plain error must not be permission denied")
	}
}
