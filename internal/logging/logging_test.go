package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestOrNopHandlesNilInterface(t *testing.T) {
	var l Logger
	safe := OrNop(l)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // must not panic
}

func TestWriterLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, LevelWarn)
	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("warn %d", 1)
	l.Error("err %d", 2)

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "warn 1") || !strings.Contains(out, "err 2") {
		t.Fatalf("expected warn/error lines, got %q", out)
	}
}

func TestComponentLoggerPrefixes(t *testing.T) {
	buf := &bytes.Buffer{}
	base := New(buf, LevelDebug)
	comp := NewComponentLogger(base, "kernel")
	comp.Info("hello %s", "world")

	if got := buf.String(); !strings.Contains(got, "[kernel] hello world") {
		t.Fatalf("expected component prefix, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"warn":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
