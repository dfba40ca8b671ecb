package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/0x6d61/autoar/internal/scan"
)

func TestJSONReporter_Format(t *testing.T) {
	r := &JSONReporter{}
	if r.Format() != "json" {
		t.Errorf("Format() = %q, want %q", r.Format(), "json")
	}
}

func TestJSONReporter_Session(t *testing.T) {
	var buf bytes.Buffer
	r := &JSONReporter{Now: fixedNow}
	if err := r.Session(context.Background(), newFailedSnapshot(), &buf); err != nil {
		t.Fatalf("Session returned error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if got["session_id"] != "7f1c2a4e-0000-4000-8000-000000000002" {
		t.Errorf("session_id = %v", got["session_id"])
	}
	if got["target"] != "example.com" {
		t.Errorf("target = %v", got["target"])
	}
	if got["state"] != "failed" {
		t.Errorf("state = %v, want failed", got["state"])
	}
	if got["error"] != "scan engine exited with code 1: exit status 1" {
		t.Errorf("error = %v", got["error"])
	}
	if got["duration_seconds"] != 12.3 {
		t.Errorf("duration_seconds = %v, want 12.3", got["duration_seconds"])
	}
	output, ok := got["output"].([]any)
	if !ok || len(output) != 3 {
		t.Errorf("output = %v, want 3 lines", got["output"])
	}
	opts, ok := got["options"].(map[string]any)
	if !ok || opts["skip_ports"] != true || opts["skip_fuzz"] != false {
		t.Errorf("options = %v", got["options"])
	}
	if _, ok := opts["webhook"]; ok {
		t.Error("empty webhook should be omitted")
	}
	if !strings.Contains(buf.String(), "\n  \"") {
		t.Error("expected indented output by default")
	}
}

func TestJSONReporter_SessionRunning(t *testing.T) {
	var buf bytes.Buffer
	r := &JSONReporter{Compact: true, Now: fixedNow}
	if err := r.Session(context.Background(), newRunningSnapshot(), &buf); err != nil {
		t.Fatalf("Session returned error: %v", err)
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("compact output should be a single line, got:\n%s", buf.String())
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got["ended_at"] != nil {
		t.Errorf("ended_at = %v, want null", got["ended_at"])
	}
	if got["error"] != nil {
		t.Errorf("error = %v, want null", got["error"])
	}
	if output, ok := got["output"].([]any); !ok || len(output) != 0 {
		t.Errorf("output = %v, want empty array", got["output"])
	}
}

func TestJSONReporter_Sessions(t *testing.T) {
	var buf bytes.Buffer
	r := &JSONReporter{Now: fixedNow}
	snaps := []scan.Snapshot{newRunningSnapshot(), newCompletedSnapshot(), newFailedSnapshot()}
	if err := r.Sessions(context.Background(), snaps, &buf); err != nil {
		t.Fatalf("Sessions returned error: %v", err)
	}

	var got listDoc
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.SchemaVersion != "1.0" || got.Tool != "autoar" {
		t.Errorf("header = %q %q", got.SchemaVersion, got.Tool)
	}
	if len(got.Sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(got.Sessions))
	}
	if got.Sessions[0].State != scan.StateRunning {
		t.Errorf("sessions[0].state = %s, want running", got.Sessions[0].State)
	}
	if got.Sessions[1].Output != nil {
		t.Error("list entries should not carry output")
	}
	if got.Sessions[1].OutputLines != 3 {
		t.Errorf("sessions[1].output_lines = %d, want 3", got.Sessions[1].OutputLines)
	}
	if got.Summary.Total != 3 || got.Summary.States["completed"] != 1 || got.Summary.States["running"] != 1 {
		t.Errorf("summary = %+v", got.Summary)
	}
}

func TestJSONReporter_SessionsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONReporter{}).Sessions(context.Background(), nil, &buf); err != nil {
		t.Fatalf("Sessions returned error: %v", err)
	}
	if !strings.Contains(buf.String(), `"sessions": []`) {
		t.Errorf("empty list should encode as [], got:\n%s", buf.String())
	}
}

func TestJSONReporter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := (&JSONReporter{}).Session(ctx, newCompletedSnapshot(), &buf); err == nil {
		t.Error("expected error for cancelled context")
	}
}
