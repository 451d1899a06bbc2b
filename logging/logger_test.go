package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
)

func TestFieldConstructors(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		wantKey string
	}{
		{name: "string field", field: String("name", "test"), wantKey: "name"},
		{name: "int field", field: Int("count", 123), wantKey: "count"},
		{name: "int64 field", field: Int64("id", int64(456)), wantKey: "id"},
		{name: "uint64 field", field: Uint64("timestamp", uint64(789)), wantKey: "timestamp"},
		{name: "float64 field", field: Float64("price", 12.34), wantKey: "price"},
		{name: "bool field", field: Bool("active", true), wantKey: "active"},
		{name: "any field", field: Any("data", map[string]int{"a": 1}), wantKey: "data"},
		{name: "error field", field: Error(errors.New("test error")), wantKey: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field.Key != tt.wantKey {
				t.Errorf("Key = %s, want %s", tt.field.Key, tt.wantKey)
			}
			if tt.field.Value == nil {
				t.Error("Value is nil")
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{name: "string", value: "test", want: "test"},
		{name: "error", value: errors.New("error message"), want: "error message"},
		{name: "int", value: 123, want: "123"},
		{name: "bool", value: true, want: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatValue(tt.value)
			if got != tt.want {
				t.Errorf("formatValue() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewStdLogger(t *testing.T) {
	logger := NewStdLogger("test-prefix")

	if logger == nil {
		t.Fatal("logger creation failed")
	}
	if logger.prefix != "test-prefix" {
		t.Errorf("prefix = %s, want test-prefix", logger.prefix)
	}
	if logger.fields == nil {
		t.Error("fields not initialized")
	}
}

func TestStdLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Debug(ctx, "debug message", String("key", "value"))

	output := buf.String()
	if !strings.Contains(output, "[DEBUG]") {
		t.Error("output missing [DEBUG]")
	}
	if !strings.Contains(output, "debug message") {
		t.Error("output missing message")
	}
	if !strings.Contains(output, "key=value") {
		t.Error("output missing field")
	}
}

func TestStdLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Info(ctx, "info message", Int("count", 123))

	output := buf.String()
	if !strings.Contains(output, "[INFO]") {
		t.Error("output missing [INFO]")
	}
	if !strings.Contains(output, "info message") {
		t.Error("output missing message")
	}
	if !strings.Contains(output, "count=123") {
		t.Error("output missing field")
	}
}

func TestStdLogger_Warn(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Warn(ctx, "warn message", Bool("critical", true))

	output := buf.String()
	if !strings.Contains(output, "[WARN]") {
		t.Error("output missing [WARN]")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("output missing message")
	}
	if !strings.Contains(output, "critical=true") {
		t.Error("output missing field")
	}
}

func TestStdLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Error(ctx, "error message", Error(errors.New("test error")))

	output := buf.String()
	if !strings.Contains(output, "[ERROR]") {
		t.Error("output missing [ERROR]")
	}
	if !strings.Contains(output, "error message") {
		t.Error("output missing message")
	}
	if !strings.Contains(output, "error=test error") {
		t.Error("output missing error field")
	}
}

func TestStdLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	loggerWithFields := logger.WithFields(
		String("module", "auth"),
		String("user", "admin"),
	)

	ctx := context.Background()
	loggerWithFields.Info(ctx, "login", String("ip", "192.168.1.1"))

	output := buf.String()
	if !strings.Contains(output, "module=auth") {
		t.Error("output missing module field")
	}
	if !strings.Contains(output, "user=admin") {
		t.Error("output missing user field")
	}
	if !strings.Contains(output, "ip=192.168.1.1") {
		t.Error("output missing ip field")
	}
}

func TestStdLogger_WithFields_Immutable(t *testing.T) {
	logger := NewStdLogger("test")
	originalFieldsCount := len(logger.fields)

	loggerWithFields := logger.WithFields(String("key", "value"))

	if len(logger.fields) != originalFieldsCount {
		t.Error("WithFields mutated the original logger's fields")
	}

	newLogger := loggerWithFields.(*StdLogger)
	if len(newLogger.fields) != originalFieldsCount+1 {
		t.Errorf("new logger field count = %d, want %d", len(newLogger.fields), originalFieldsCount+1)
	}
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	ctx := context.Background()

	logger.Debug(ctx, "test")
	logger.Info(ctx, "test")
	logger.Warn(ctx, "test")
	logger.Error(ctx, "test")

	newLogger := logger.WithFields(String("key", "value"))
	if newLogger != logger {
		t.Error("NoopLogger.WithFields should return itself")
	}
}

func TestGlobalLogger(t *testing.T) {
	originalLogger := GetLogger()
	defer SetLogger(originalLogger)

	testLogger := NewNoopLogger()
	SetLogger(testLogger)

	if GetLogger() != testLogger {
		t.Error("global logger was not updated")
	}
}

func TestStdLogger_MultipleFields(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Info(ctx, "complex log",
		String("str", "value"),
		Int("int", 123),
		Int64("int64", int64(456)),
		Bool("bool", true),
		Float64("float", 12.34),
	)

	output := buf.String()
	expectedFields := []string{
		"str=value",
		"int=123",
		"int64=456",
		"bool=true",
		"float=12.34",
	}

	for _, expected := range expectedFields {
		if !strings.Contains(output, expected) {
			t.Errorf("output missing field: %s", expected)
		}
	}
}

func TestStdLogger_EmptyPrefix(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("")
	ctx := context.Background()

	logger.Info(ctx, "message")

	output := buf.String()
	if !strings.Contains(output, "message") {
		t.Error("output missing message")
	}
}

func TestStdLogger_NoFields(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	logger := NewStdLogger("test")
	ctx := context.Background()

	logger.Info(ctx, "simple message")

	output := buf.String()
	if !strings.Contains(output, "[INFO]") {
		t.Error("output missing [INFO]")
	}
	if !strings.Contains(output, "simple message") {
		t.Error("output missing message")
	}
}

func TestLoggerInterface(t *testing.T) {
	var _ ILogger = (*StdLogger)(nil)
	var _ ILogger = (*NoopLogger)(nil)

	oldWriter := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(oldWriter)

	stdLogger := NewStdLogger("test")
	noopLogger := NewNoopLogger()

	loggers := []ILogger{stdLogger, noopLogger}
	ctx := context.Background()

	for _, logger := range loggers {
		logger.Debug(ctx, "test")
		logger.Info(ctx, "test")
		logger.Warn(ctx, "test")
		logger.Error(ctx, "test")
		logger.WithFields(String("key", "value"))
	}
}

func BenchmarkStdLogger_Info(b *testing.B) {
	logger := NewStdLogger("bench")
	ctx := context.Background()
	log.SetOutput(&bytes.Buffer{})
	defer log.SetOutput(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info(ctx, "benchmark message", String("key", "value"))
	}
}

func BenchmarkStdLogger_WithFields(b *testing.B) {
	logger := NewStdLogger("bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithFields(
			String("key1", "value1"),
			String("key2", "value2"),
			Int("count", 123),
		)
	}
}

func BenchmarkNoopLogger_Info(b *testing.B) {
	logger := NewNoopLogger()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info(ctx, "benchmark message", String("key", "value"))
	}
}

func BenchmarkFieldConstructors(b *testing.B) {
	b.Run("String", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			String("key", "value")
		}
	})

	b.Run("Int", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			Int("count", 123)
		}
	})

	b.Run("Error", func(b *testing.B) {
		err := errors.New("test error")
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			Error(err)
		}
	})
}
