package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestComponentAndErrorFields(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("supervisor").WithError(errors.New("boom"))
	if v, ok := entry.Entry.Data["component"]; !ok || v != "supervisor" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
	if _, ok := entry.Entry.Data[logrus.ErrorKey]; !ok {
		t.Fatalf("error field missing: %v", entry.Entry.Data)
	}
}

func TestLevelFor(t *testing.T) {
	cases := map[string]logrus.Level{
		"":       logrus.InfoLevel,
		"report": logrus.InfoLevel,
		"DEBUG":  logrus.DebugLevel,
		" warn ": logrus.WarnLevel,
		"bogus":  logrus.InfoLevel,
		"error":  logrus.ErrorLevel,
	}
	for in, want := range cases {
		if got := levelFor(in); got != want {
			t.Fatalf("levelFor(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigureRejectsBadValues(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	log := Logger()
	if err := log.Configure("warning", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := log.GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", got)
	}
}

func TestJSONOutputShape(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("aggregator").WithFields(Fields{"symbol": "BTCUSDT"}).Info("tick forwarded")

	var line struct {
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Message   string `json:"message"`
		Component string `json:"component"`
		Symbol    string `json:"symbol"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if line.Level != "info" || line.Message != "tick forwarded" {
		t.Fatalf("unexpected line: %+v", line)
	}
	if line.Component != "aggregator" || line.Symbol != "BTCUSDT" {
		t.Fatalf("fields not carried: %+v", line)
	}
	if line.Timestamp == "" {
		t.Fatalf("timestamp missing: %s", buf.String())
	}
}
