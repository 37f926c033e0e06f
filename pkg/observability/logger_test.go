package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelWarn,
		Node:    "pi5-01",
		Event:   "node_transition",
		Message: "cordoned node",
		Fields: map[string]interface{}{
			"action":      "cordon",
			"elapsed_sec": 45,
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelWarn {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Event != event.Event {
		t.Fatalf("unexpected event name: %s", payload.Event)
	}
	if payload.Fields["action"] != "cordon" {
		t.Fatalf("expected action field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestTextLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf)

	err := logger.Log(context.Background(), Event{
		Level:     LevelError,
		Node:      "pi4-01",
		Component: "phase-engine",
		Event:     "node_transition",
		Message:   "drain failed",
		Fields:    map[string]interface{}{"action": "drain"},
	})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"level=error", "drain failed", "node=pi4-01", "action=drain", "event=node_transition"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got %q", want, out)
		}
	}
}

func TestNewLoggerSelectsFormat(t *testing.T) {
	var buf bytes.Buffer
	if l, err := NewLogger("", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := l.(*JSONLogger); !ok {
		t.Fatalf("expected JSON logger by default, got %T", l)
	}
	if l, err := NewLogger("text", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := l.(*TextLogger); !ok {
		t.Fatalf("expected text logger, got %T", l)
	}
	if _, err := NewLogger("xml", &buf); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
