package otel

import (
	"context"
	"testing"
)

func TestSetupIsNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("STATESYNC_OTEL_ENDPOINT", "")

	shutdown, err := Setup(context.Background(), "statesync")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup returned nil shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestSetupIsNoopWhenDisabled(t *testing.T) {
	t.Setenv("STATESYNC_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("STATESYNC_OTEL_ENABLED", "false")

	shutdown, err := Setup(context.Background(), "statesync")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}
