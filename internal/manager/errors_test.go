package manager

import (
	"fmt"
	"testing"

	"qllmd/internal/session"
)

func TestErrorHelpers(t *testing.T) {
	if !IsTooBusy(fmt.Errorf("wrap: %w", tooBusyError{id: "x"})) {
		t.Fatalf("expected IsTooBusy through wrapping")
	}
	if !IsSessionNotFound(ErrSessionNotFound("x")) || !IsSessionNotFound(session.ErrDestroyed) {
		t.Fatalf("expected IsSessionNotFound")
	}
	if !IsDependencyUnavailable(ErrDependencyUnavailable("llama")) {
		t.Fatalf("expected IsDependencyUnavailable")
	}
	if IsTooBusy(ErrSessionNotFound("x")) || IsDependencyUnavailable(tooBusyError{}) {
		t.Fatalf("helpers must not cross-match")
	}
}
