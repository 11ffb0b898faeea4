package asyncsocket

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_Interface(t *testing.T) {
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	if logger == nil {
		t.Fatal("defaultLogger returned nil")
	}
	if logger != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

// mockLogger records the last call made through the Logger interface.
type mockLogger struct {
	calls   []string
	lastMsg string
}

func (l *mockLogger) record(level, msg string) {
	l.calls = append(l.calls, level)
	l.lastMsg = msg
}

func (l *mockLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *mockLogger) Info(msg string, _ ...any) { l.record("info", msg) }
func (l *mockLogger) Warn(msg string, _ ...any) { l.record("warn", msg) }
func (l *mockLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func TestWithAttrs_Slog(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	logger := withAttrs(base, "component", "server")
	logger.Info("server started")

	out := buf.String()
	if !strings.Contains(out, "component=server") {
		t.Errorf("missing component attribute in %q", out)
	}
	if !strings.Contains(out, "server started") {
		t.Errorf("missing message in %q", out)
	}
}

func TestWithAttrs_CustomLogger(t *testing.T) {
	mock := &mockLogger{}

	logger := withAttrs(mock, "component", "client")
	if logger != Logger(mock) {
		t.Fatal("custom logger should be returned unchanged")
	}

	logger.Warn("dial failed")
	if len(mock.calls) != 1 || mock.calls[0] != "warn" {
		t.Errorf("calls = %v, want [warn]", mock.calls)
	}
	if mock.lastMsg != "dial failed" {
		t.Errorf("lastMsg = %s, want 'dial failed'", mock.lastMsg)
	}
}

func TestControllerLogger_CustomImplementation(t *testing.T) {
	mock := &mockLogger{}

	ctrl, err := NewController(ControllerLoggerOption(mock))
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	ctrl.Stop()

	if len(mock.calls) != 0 {
		t.Errorf("unexpected log calls before Run: %v", mock.calls)
	}

	if err := ctrl.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(mock.calls) == 0 {
		t.Error("controller did not log through the custom logger")
	}
}
