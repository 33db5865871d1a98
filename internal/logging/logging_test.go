package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatText, "text": FormatText, "JSON": FormatJSON}
	for raw, want := range cases {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q, nil", raw, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected an error for an unsupported format")
	}
}

func TestComponentTagsTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{format: FormatText, out: &buf, text: log.New(&buf, "", 0)}
	l.Component("syncengine").Infof("cycle done in %dms", 12)

	if !strings.Contains(buf.String(), "[syncengine] cycle done in 12ms") {
		t.Errorf("output = %q, missing component tag", buf.String())
	}
}

func TestJSONOutputIsValidAndCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{format: FormatJSON, out: &buf, text: log.New(&buf, "", 0)}
	l.Component("lifecycle").Errorf("promotion failed: %v", "boom")

	var fields map[string]any
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if fields["component"] != "lifecycle" {
		t.Errorf("component = %v, want lifecycle", fields["component"])
	}
	if fields["level"] != "error" {
		t.Errorf("level = %v, want error", fields["level"])
	}
}

func TestNilLoggerComponentIsSafe(t *testing.T) {
	var l *Logger
	if l.Component("x") != nil {
		t.Error("Component on a nil Logger should return nil")
	}
}
