package docerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestArgumentErrorMatchesKind(testContext *testing.T) {
	err := fmt.Errorf("wrapped: %w", InvalidArgument("contentType", "empty"))
	if !errors.Is(err, ErrInvalidArgument) {
		testContext.Fatalf("expected invalid argument kind, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		testContext.Fatalf("did not expect not found kind")
	}
	argument, ok := ArgumentOf(err)
	if !ok || argument != "contentType" {
		testContext.Fatalf("unexpected argument %q (ok=%v)", argument, ok)
	}
}

func TestArgumentErrorMessage(testContext *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "with reason", err: NotFound("name", "photo.jpg"), expected: "not found: name: photo.jpg"},
		{name: "without reason", err: Unsupported("source", ""), expected: "unsupported: source"},
	}
	for _, testCase := range tests {
		testContext.Run(testCase.name, func(t *testing.T) {
			if testCase.err.Error() != testCase.expected {
				t.Fatalf("unexpected message %q", testCase.err.Error())
			}
		})
	}
}

func TestArgumentOfPlainError(testContext *testing.T) {
	if _, ok := ArgumentOf(errors.New("plain")); ok {
		testContext.Fatalf("expected no argument for plain error")
	}
}
