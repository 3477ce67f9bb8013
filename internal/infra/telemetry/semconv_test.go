package telemetry

import "testing"

func TestFrameAttributesOmitsEmptyEventType(t *testing.T) {
	attrs := FrameAttributes("test", "dhan", "", "short")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[2].Key != AttrFrameOutcome || attrs[2].Value.AsString() != "short" {
		t.Fatalf("expected outcome attribute last, got %v", attrs[2])
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("")
	if got := Environment(); got != "development" {
		t.Fatalf("expected development, got %q", got)
	}
	SetEnvironment(" PROD ")
	if got := Environment(); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}
