package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu     sync.Mutex
	lines  []string
	notify chan struct{}
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{notify: make(chan struct{}, 1)}
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *recordingLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestGoRecoversPanic(t *testing.T) {
	logger := newRecordingLogger()

	Go(logger, "pump", func() {
		panic("boom")
	})

	select {
	case <-logger.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("panic was not reported")
	}

	lines := logger.all()
	if len(lines) != 1 {
		t.Fatalf("expected one panic report, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[pump]") || !strings.Contains(lines[0], "boom") {
		t.Fatalf("unexpected panic report: %s", lines[0])
	}
}

func TestRecoverWithNilLoggerDoesNotCrash(t *testing.T) {
	func() {
		defer Recover(nil, "quiet")
		panic("swallowed")
	}()
}
