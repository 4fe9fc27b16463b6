package depositclient

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

const testToken = "abcd0123456789wxyz"

func TestEndpointRejectsShortTokens(t *testing.T) {
	for _, token := range []string{"", "short", "123456789", "   12345678   "} {
		if _, err := newEndpoint("wss://upstream.example/ws", token, false, 10); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
	if _, err := newEndpoint("wss://upstream.example/ws", "0123456789", false, 10); err != nil {
		t.Fatalf("10 character token should be accepted: %s", err)
	}
}

func TestEndpointQueryCredential(t *testing.T) {
	e, err := newEndpoint("wss://upstream.example/ws?v=2", testToken, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := e.URL(); got != "wss://upstream.example/ws?token="+testToken+"&v=2" {
		t.Fatalf("unexpected dial url %s", got)
	}
	if len(e.Header()) != 0 {
		t.Fatal("query credential should not add headers")
	}
	if strings.Contains(e.String(), testToken) || strings.Contains(e.Redacted(), testToken) {
		t.Fatal("redacted endpoint leaked the token")
	}
	if !strings.Contains(e.Redacted(), "abcd...wxyz") {
		t.Fatalf("redacted endpoint should keep token edges: %s", e.Redacted())
	}
}

func TestEndpointHeaderCredential(t *testing.T) {
	e, err := newEndpoint("wss://upstream.example/ws", testToken, true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(e.URL(), testToken) {
		t.Fatal("header credential should keep the token out of the url")
	}
	if got := e.Header().Get("Authorization"); got != "Bearer "+testToken {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if strings.Contains(e.Redacted(), testToken) {
		t.Fatal("redacted endpoint leaked the token")
	}
}

func TestRedactToken(t *testing.T) {
	cases := map[string]string{
		"":                   "",
		"12345678":           "********",
		"0123456789":         "0123...6789",
		"abcd0123456789wxyz": "abcd...wxyz",
	}
	for in, expected := range cases {
		if got := RedactToken(in); got != expected {
			t.Fatalf("RedactToken(%q) = %q, expected %q", in, got, expected)
		}
	}
}
