package emit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestLogEmitter_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := NewLogEmitter(logger)

	e.Emit(Event{
		InstanceID: "inst-1",
		Step:       3,
		NodeID:     "review",
		Msg:        MsgRoute,
		Meta:       map[string]interface{}{"to": "draft", "iteration": 1},
	})
	e.Emit(Event{InstanceID: "inst-1", Msg: MsgFailed, Meta: map[string]interface{}{"error": "boom"}})
	e.Emit(Event{InstanceID: "inst-1", NodeID: "crm", Msg: MsgNodeRetry})
	e.Emit(Event{InstanceID: "inst-1", NodeID: "crm", Msg: MsgNodeStart})

	lines := decodeLines(t, &buf)
	if len(lines) != 4 {
		t.Fatalf("got %d log lines, want 4", len(lines))
	}

	route := lines[0]
	if route["msg"] != MsgRoute || route["instance_id"] != "inst-1" || route["node_id"] != "review" {
		t.Errorf("unexpected route record %v", route)
	}
	if route["step"] != float64(3) || route["to"] != "draft" {
		t.Errorf("missing step or meta in %v", route)
	}

	for i, want := range []string{"INFO", "ERROR", "WARN", "DEBUG"} {
		if lines[i]["level"] != want {
			t.Errorf("line %d level = %v, want %s", i, lines[i]["level"], want)
		}
	}
	if _, ok := lines[1]["step"]; ok {
		t.Error("step 0 must be omitted")
	}
}

func TestLogEmitter_NilLogger(t *testing.T) {
	e := NewLogEmitter(nil)
	e.Emit(Event{InstanceID: "inst", Msg: MsgCompleted})
}
