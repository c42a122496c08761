package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolNotFound_Error(t *testing.T) {
	err := &ErrToolNotFound{Name: "web_search"}
	want := `tool "web_search" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolNotFound_WrappedErrorsAs(t *testing.T) {
	orig := &ErrToolNotFound{Name: "unknown_tool"}
	wrapped := fmt.Errorf("execute batch: %w", orig)

	var target *ErrToolNotFound
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolNotFound")
	}
	if target.Name != "unknown_tool" {
		t.Errorf("Name = %q, want %q", target.Name, "unknown_tool")
	}
}

func TestErrToolExecutionFailed_Unwrap(t *testing.T) {
	cause := errors.New("upstream 502")
	err := fmt.Errorf("run: %w", &ErrToolExecutionFailed{Name: "web_search", CallID: "c1", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the handler's error")
	}
	var target *ErrToolExecutionFailed
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to match *ErrToolExecutionFailed")
	}
	if target.CallID != "c1" {
		t.Errorf("CallID = %q, want %q", target.CallID, "c1")
	}
}

func TestErrInvalidArguments_NotMatchOtherErrors(t *testing.T) {
	other := fmt.Errorf("some other error")
	var target *ErrInvalidArguments
	if errors.As(other, &target) {
		t.Error("errors.As should not match non-ErrInvalidArguments error")
	}
}
