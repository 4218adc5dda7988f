package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestE2E_Run drives the command line against a seeded database, covering the
// tree and JSON modes and the -id, -chat, -L and -no-payload flags.
func TestE2E_Run(t *testing.T) {
	database, dbPath := testDB(t)
	seedRelayTree(t, database)

	runArgs := func(t *testing.T, args ...string) string {
		t.Helper()
		var out bytes.Buffer
		if err := run(append([]string{"-db", dbPath}, args...), &out); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		return out.String()
	}

	t.Run("default_full_tree", func(t *testing.T) {
		output := runArgs(t)
		for _, want := range []string{
			"process.started", "update.received", "completion.completed", "context.reset", "process.stopped",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("expected %q in output:\n%s", want, output)
			}
		}
	})

	t.Run("id_flag_subtree", func(t *testing.T) {
		output := runArgs(t, "-id", "2")
		lines := strings.Split(strings.TrimSpace(output), "\n")
		if !strings.Contains(lines[0], "update.received") {
			t.Errorf("expected update.received as root:\n%s", output)
		}
		if strings.Contains(output, "context.reset") {
			t.Errorf("other updates should not appear in the subtree:\n%s", output)
		}
	})

	t.Run("chat_filter", func(t *testing.T) {
		output := runArgs(t, "-chat", "123")
		if !strings.Contains(output, "completion.started") {
			t.Errorf("expected chat 123 completion:\n%s", output)
		}
		if strings.Contains(output, "chat_id=456") {
			t.Errorf("chat 456 should be filtered out:\n%s", output)
		}
	})

	t.Run("json_with_depth_limit", func(t *testing.T) {
		var je jsonEvent
		if err := json.Unmarshal([]byte(runArgs(t, "-json", "-L", "2")), &je); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(je.Children) != 3 {
			t.Errorf("expected 3 children, got %d", len(je.Children))
		}
		for _, child := range je.Children {
			if len(child.Children) > 0 {
				t.Errorf("expected no grandchildren at -L 2: %s has %d", child.EventType, len(child.Children))
			}
		}
	})

	t.Run("no_payload", func(t *testing.T) {
		output := runArgs(t, "-no-payload")
		if strings.Contains(output, "role=relay") {
			t.Errorf("expected no payload with -no-payload:\n%s", output)
		}
	})

	t.Run("unknown_role", func(t *testing.T) {
		var out bytes.Buffer
		err := run([]string{"-db", dbPath, "-role", "supervisor"}, &out)
		if err == nil || !strings.Contains(err.Error(), "no supervisor process.started") {
			t.Fatalf("expected missing role error, got %v", err)
		}
	})

	t.Run("missing_event_id", func(t *testing.T) {
		var out bytes.Buffer
		if err := run([]string{"-db", dbPath, "-id", "999"}, &out); err == nil {
			t.Fatal("expected error for unknown event id")
		}
	})
}
