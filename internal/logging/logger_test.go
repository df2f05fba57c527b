package logging

import (
	"bytes"
	"testing"

	"github.com/metyatech/agent-runner/internal/observability"
)

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *observabilityPrintfLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	logger := FromObservabilityWithComponent(base, "test")
	logger.Info("hello %s", "world")

	if got := buf.String(); got == "" {
		t.Fatalf("expected log output")
	}
	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	first := &bytes.Buffer{}
	second := &bytes.Buffer{}

	a := FromObservabilityWithComponent(observability.NewLogger(observability.LogConfig{Format: "text", Output: first}), "a")
	b := FromObservabilityWithComponent(observability.NewLogger(observability.LogConfig{Format: "text", Output: second}), "b")

	logger := Multi(Multi(a), nil, b)
	logger.Warn("count=%d", 3)

	for name, buf := range map[string]*bytes.Buffer{"first": first, "second": second} {
		if !bytes.Contains(buf.Bytes(), []byte("count=3")) {
			t.Fatalf("expected %s sink to receive message, got %q", name, buf.String())
		}
	}
}

func TestMultiCollapsesToNop(t *testing.T) {
	if IsNil(Multi()) {
		t.Fatalf("Multi() should return a usable nop logger")
	}
	Multi().Error("ignored %v", 1)
}
