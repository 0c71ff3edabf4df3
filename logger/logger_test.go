package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.SetLevel(logrus.InfoLevel)

	log.WithComponent("mapper").Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"mapper"`) {
		t.Errorf("expected component field in output, got %s", out)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("expected message in output, got %s", out)
	}
}

func TestWithFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("book").
		WithFields(Fields{"symbol": "BTC-USD"}).
		WithError(errTest{}).
		Warn("gap detected")

	out := buf.String()
	for _, want := range []string{`"symbol":"BTC-USD"`, `"error":"boom"`, "gap detected"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %s", want, out)
		}
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	if err := log.Configure("nope", "json", "stdout", 7); err == nil {
		t.Error("expected error for invalid level")
	}
	if err := log.Configure("debug", "json", "stdout", 7); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRecordCounters(t *testing.T) {
	recordWarn("feed")
	recordWarn("feed")
	recordError("processor")

	v, ok := warnsByComponent.Load("feed")
	if !ok {
		t.Fatal("expected feed warn counter")
	}
	if got := *v.(*int64); got < 2 {
		t.Errorf("expected at least 2 warns for feed, got %d", got)
	}
	if _, ok := errorsByComponent.Load("processor"); !ok {
		t.Error("expected processor error counter")
	}
}
