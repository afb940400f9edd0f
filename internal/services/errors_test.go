package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"sceneforge/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "backend", "submit", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"backend", "submit", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "backend", "submit", "refused", errors.New("dial")), true},
		{"timeout", services.Wrap(services.ErrTimeout, "backend", "history", "deadline", nil), true},
		{"validation", services.Wrap(services.ErrValidation, "backend", "submit", "node errors", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "config", "load", "bad url", nil), false},
		{"plain", errors.New("unexpected"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestOperationFindsOutermostOpError(t *testing.T) {
	inner := services.Wrap(services.ErrTransient, "backend", "history", "", errors.New("reset"))
	outer := services.Wrap(services.ErrExternalTool, "dispatch", "poll", "giving up", inner)

	component, operation, ok := services.Operation(fmt.Errorf("scene 3: %w", outer))
	if !ok || component != "dispatch" || operation != "poll" {
		t.Fatalf("Operation = %q %q %v", component, operation, ok)
	}
	if !errors.Is(outer, services.ErrTransient) {
		t.Fatal("expected inner marker to stay reachable")
	}
	if _, _, ok := services.Operation(errors.New("plain")); ok {
		t.Fatal("expected no OpError in plain error")
	}
}
