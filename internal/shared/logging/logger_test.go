package logging

import (
	"testing"
)

type countingLogger struct {
	debugs, infos, warns, errs int
}

func (c *countingLogger) Debug(string, ...any) { c.debugs++ }
func (c *countingLogger) Info(string, ...any)  { c.infos++ }
func (c *countingLogger) Warn(string, ...any)  { c.warns++ }
func (c *countingLogger) Error(string, ...any) { c.errs++ }

func TestOrNopHandlesNilInterface(t *testing.T) {
	logger := OrNop(nil)
	if logger == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	// Must not panic.
	logger.Info("hello %s", "world")
}

func TestOrNopHandlesTypedNilPointer(t *testing.T) {
	var typed *countingLogger
	logger := OrNop(typed)
	logger.Error("boom")
	if typed != nil {
		t.Fatal("expected typed nil to stay nil")
	}
}

func TestMultiFansOutToAllLoggers(t *testing.T) {
	a := &countingLogger{}
	b := &countingLogger{}

	logger := Multi(a, nil, b)
	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	for i, c := range []*countingLogger{a, b} {
		if c.debugs != 1 || c.infos != 1 || c.warns != 1 || c.errs != 1 {
			t.Fatalf("logger %d did not receive all calls: %+v", i, c)
		}
	}
}

func TestMultiFlattensNestedFanOuts(t *testing.T) {
	a := &countingLogger{}
	b := &countingLogger{}

	nested := Multi(Multi(a), b)
	ml, ok := nested.(*multiLogger)
	if !ok {
		t.Fatalf("expected *multiLogger, got %T", nested)
	}
	if len(ml.loggers) != 2 {
		t.Fatalf("expected 2 flattened loggers, got %d", len(ml.loggers))
	}
}

func TestMultiCollapsesToSingleLogger(t *testing.T) {
	a := &countingLogger{}
	if got := Multi(a, nil); got != a {
		t.Fatalf("expected single logger to be returned unwrapped, got %T", got)
	}
}
