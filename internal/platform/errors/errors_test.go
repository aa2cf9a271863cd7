package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("lock finding: %w", New(CodeLockHeld, "finding f1 is locked by u2"))
	if !stderrors.Is(err, New(CodeLockHeld, "")) {
		t.Fatal("expected wrapped error to match lock held code")
	}
	if stderrors.Is(err, New(CodeNotAuthor, "")) {
		t.Fatal("did not expect wrapped error to match not author code")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeUnavailable, "persist comment", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if err.Error() != "persist comment: disk full" {
		t.Fatalf("error = %q, want %q", err.Error(), "persist comment: disk full")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("edit comment: %w", New(CodeNotAuthor, "only the author may edit"))
	if got := CodeOf(err); got != CodeNotAuthor {
		t.Fatalf("CodeOf = %q, want %q", got, CodeNotAuthor)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeUnknown)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("CodeOf(nil) = %q, want %q", got, CodeUnknown)
	}
}

func TestWireCode(t *testing.T) {
	cases := map[Code]string{
		CodeFrameInvalid:     "INVALID_ARGUMENT",
		CodeLockHeld:         "FAILED_PRECONDITION",
		CodeNotAuthor:        "FORBIDDEN",
		CodeCommentNotFound:  "NOT_FOUND",
		CodeFrameRateLimited: "RESOURCE_EXHAUSTED",
		CodeUnknown:          "INTERNAL",
	}
	for code, want := range cases {
		if got := code.WireCode(); got != want {
			t.Fatalf("%s.WireCode() = %q, want %q", code, got, want)
		}
	}
}
