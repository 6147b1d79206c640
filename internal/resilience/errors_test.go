package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("x"), 503), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("x"), 429), "oracle: classify"), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"reset message", errors.New("read tcp: connection reset by peer"), true},
		{"plain", errors.New("invalid api key"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHTTPError(t *testing.T) {
	err := HTTPError("jina", 503, []byte("overloaded"))
	if !IsTransient(err) {
		t.Error("503 should be transient")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 || se.Body != "overloaded" {
		t.Errorf("unexpected status error %+v", se)
	}

	err = HTTPError("jina", 401, nil)
	if IsTransient(err) {
		t.Error("401 should be permanent")
	}
	if err.Error() != "jina: unexpected status 401" {
		t.Errorf("unexpected message %q", err.Error())
	}

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	if !errors.As(HTTPError("x", 400, long), &se) || len(se.Body) != 512 {
		t.Error("expected body truncated to 512 bytes")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{eris.Wrap(ErrCircuitOpen, "oracle"), KindCircuitOpen},
		{context.Canceled, KindCancelled},
		{&AttemptsError{Attempts: 3, Err: NewTransientError(errors.New("x"), 500)}, KindTransient},
		{errors.New("schema"), KindPermanent},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
