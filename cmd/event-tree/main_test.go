package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stupiduntilnot/chatmem/internal/db"
)

// testDB creates a temporary SQLite database with schema initialized.
func testDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := t.TempDir() + "/test.db"
	database, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database, path
}

// seedChatTree inserts a realistic chat event tree and returns the root event ID.
//
// Tree structure:
//
//	process.started (chat)          id=1
//	├── turn.started                id=2
//	│   ├── compaction.completed    id=3
//	│   ├── context.assembled       id=4
//	│   ├── reply.appended          id=5
//	│   └── turn.completed          id=6
//	├── turn.started                id=7
//	│   ├── model.failed            id=8
//	│   └── turn.failed             id=9
//	└── process.exited              id=10
func seedChatTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()

	procID, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "chat", "pid": 100})
	turn1, _ := db.LogEvent(database, &procID, db.EventTurnStarted, map[string]any{"thread_id": "t1", "pending": 20})
	db.LogEvent(database, &turn1, db.EventCompactionCompleted, map[string]any{"produced": 1, "summaries": 1})
	db.LogEvent(database, &turn1, db.EventContextAssembled, map[string]any{"messages": 3, "estimated_tokens": 120})
	db.LogEvent(database, &turn1, db.EventReplyAppended, map[string]any{"seq": 21, "attempts": 1})
	db.LogEvent(database, &turn1, db.EventTurnCompleted, map[string]any{"duration_ms": 1820})
	turn2, _ := db.LogEvent(database, &procID, db.EventTurnStarted, map[string]any{"thread_id": "t1", "pending": 2})
	db.LogEvent(database, &turn2, db.EventModelFailed, map[string]any{"attempt": 1, "class": "fatal"})
	db.LogEvent(database, &turn2, db.EventTurnFailed, map[string]any{"retryable": false})
	db.LogEvent(database, &procID, db.EventProcessExited, map[string]any{"exit_code": 0})

	return procID
}

func TestLatestProcessRoot(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	got, err := latestProcessRoot(database, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if got != procID {
		t.Errorf("expected root id=%d, got %d", procID, got)
	}
}

func TestLatestProcessRoot_NoEvents(t *testing.T) {
	database, _ := testDB(t)
	_, err := latestProcessRoot(database, "chat")
	if err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestLatestProcessRoot_RoleFilter(t *testing.T) {
	database, _ := testDB(t)
	seedChatTree(t, database)
	if _, err := latestProcessRoot(database, "supervisor"); err == nil {
		t.Fatal("expected no supervisor root")
	}
}

func TestQuerySubtree(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, err := querySubtree(database, procID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 10 {
		t.Errorf("expected 10 events, got %d", len(events))
	}
}

func TestQuerySubtree_FromTurn(t *testing.T) {
	database, _ := testDB(t)
	seedChatTree(t, database)

	// turn.started id=7 has model.failed and turn.failed below it.
	events, err := querySubtree(database, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events in turn subtree, got %d", len(events))
		for _, ev := range events {
			t.Logf("  id=%d type=%s parent=%v", ev.ID, ev.EventType, ev.ParentID)
		}
	}
}

func TestBuildTree(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	if root == nil {
		t.Fatal("root is nil")
	}
	if root.EventType != "process.started" {
		t.Errorf("expected process.started, got %s", root.EventType)
	}
	if len(root.Children) != 3 {
		t.Errorf("expected 3 root children, got %d", len(root.Children))
	}
	first := root.Children[0]
	if first.EventType != "turn.started" || len(first.Children) != 4 {
		t.Errorf("expected first turn with 4 children, got %s with %d", first.EventType, len(first.Children))
	}
	if first.Children[0].EventType != "compaction.completed" {
		t.Errorf("children must be ordered by id, got %s first", first.Children[0].EventType)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "turn.started",
		Payload:   sql.NullString{String: `{"thread_id":"t1","pending":5}`, Valid: true},
	}

	line := formatEvent(ev, false)
	for _, want := range []string{"[42]", "turn.started", "pending=5", "thread_id=t1", "2025-02-17"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in output: %s", want, line)
		}
	}
	if strings.Index(line, "pending=") > strings.Index(line, "thread_id=") {
		t.Errorf("expected payload keys sorted: %s", line)
	}
}

func TestFormatEvent_NoPayload(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "turn.started",
		Payload:   sql.NullString{String: `{"thread_id":"t1"}`, Valid: true},
	}

	line := formatEvent(ev, true)
	if strings.Contains(line, "thread_id") {
		t.Errorf("expected no payload in output: %s", line)
	}
}

func TestFormatEvent_NullPayload(t *testing.T) {
	ev := &Event{
		ID:        1,
		Timestamp: 1739781001,
		EventType: "process.exited",
		Payload:   sql.NullString{Valid: false},
	}

	line := formatEvent(ev, false)
	if !strings.Contains(line, "process.exited") {
		t.Errorf("expected process.exited in output: %s", line)
	}
}

func TestFormatValue_LongString(t *testing.T) {
	v := formatValue(strings.Repeat("a", 100))
	if !strings.Contains(v, "...") {
		t.Errorf("expected truncation: %s", v)
	}
}

func TestFormatValue_Numbers(t *testing.T) {
	if v := formatValue(float64(42)); v != "42" {
		t.Errorf("expected 42, got %s", v)
	}
	if v := formatValue(0.5); v != "0.5" {
		t.Errorf("expected 0.5, got %s", v)
	}
}

func TestPrintTree_Full(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	var buf bytes.Buffer
	(&treePrinter{out: &buf}).print(root, "", true, 1)
	output := buf.String()

	for _, want := range []string{
		"process.started", "turn.started", "compaction.completed",
		"context.assembled", "reply.appended", "turn.completed",
		"model.failed", "turn.failed", "process.exited",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
	if !strings.Contains(output, "├──") || !strings.Contains(output, "│   ") {
		t.Errorf("expected tree characters in output:\n%s", output)
	}
}

func TestPrintTree_DepthLimit(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	var buf bytes.Buffer
	(&treePrinter{out: &buf, maxDepth: 2}).print(root, "", true, 1)
	output := buf.String()

	if !strings.Contains(output, "turn.started") {
		t.Errorf("expected turn.started at depth 2")
	}
	if strings.Contains(output, "compaction.completed") {
		t.Errorf("compaction.completed should be truncated at -L 2:\n%s", output)
	}
	if !strings.Contains(output, "[...]") {
		t.Errorf("expected [...] indicator for truncated nodes:\n%s", output)
	}
}

func TestPrintTree_DepthLimit1(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	var buf bytes.Buffer
	(&treePrinter{out: &buf, maxDepth: 1}).print(root, "", true, 1)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 lines (root + [...]), got %d:\n%s", len(lines), buf.String())
	}
}

func TestPrintTree_HighlightsFailures(t *testing.T) {
	p := &treePrinter{styles: defaultStyles()}
	failed := &Event{ID: 9, EventType: "turn.failed"}
	plain := &Event{ID: 4, EventType: "context.assembled"}

	if got := p.line(plain); got != formatEvent(plain, false) {
		t.Errorf("expected plain line unchanged, got %q", got)
	}
	if !strings.Contains(p.line(failed), "turn.failed") {
		t.Errorf("expected failure line to keep its text")
	}
	for _, typ := range []string{"turn.failed", "model.failed", "reply.send_failed", "circuit.opened"} {
		if !isFailure(typ) {
			t.Errorf("expected %s to be a failure", typ)
		}
	}
	if isFailure("turn.completed") {
		t.Error("turn.completed is not a failure")
	}
}

func TestFilterThread(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)
	other, _ := db.LogEvent(database, &procID, db.EventTurnStarted, map[string]any{"thread_id": "t2"})

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)
	filterThread(root, "t2")

	var ids []int64
	for _, c := range root.Children {
		ids = append(ids, c.ID)
	}
	// process.exited has no thread id and stays.
	if len(ids) != 2 || ids[0] != 10 || ids[1] != other {
		t.Errorf("unexpected children after filter: %v", ids)
	}
}

func TestFormatValue_MultiLine(t *testing.T) {
	if v := formatValue("a b"); v != `"a b"` {
		t.Errorf("expected quoted value, got %s", v)
	}
}

func TestPrintJSON(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	var buf bytes.Buffer
	if err := printJSON(&buf, root, 0, false); err != nil {
		t.Fatal(err)
	}

	var je jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, buf.String())
	}
	if je.EventType != "process.started" {
		t.Errorf("expected process.started, got %s", je.EventType)
	}
	if len(je.Children) != 3 {
		t.Errorf("expected 3 children, got %d", len(je.Children))
	}
}

func TestPrintJSON_DepthLimit(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	var buf bytes.Buffer
	if err := printJSON(&buf, root, 2, false); err != nil {
		t.Fatal(err)
	}
	var je jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(je.Children) == 0 {
		t.Error("expected children at depth 2")
	}
	for _, child := range je.Children {
		if len(child.Children) > 0 {
			t.Errorf("expected no grandchildren at -L 2, but %s (id=%d) has %d",
				child.EventType, child.ID, len(child.Children))
		}
	}
}

func TestPrintJSON_NoPayload(t *testing.T) {
	database, _ := testDB(t)
	procID := seedChatTree(t, database)

	events, _ := querySubtree(database, procID)
	root := buildTree(events, procID)

	var buf bytes.Buffer
	if err := printJSON(&buf, root, 0, true); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), `"role"`) {
		t.Errorf("expected no payload in output:\n%s", buf.String())
	}
}

func TestMultipleProcesses_PicksLatest(t *testing.T) {
	database, _ := testDB(t)

	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "chat", "pid": 100})
	second, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "chat", "pid": 200})

	got, err := latestProcessRoot(database, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Errorf("expected latest process id=%d, got %d", second, got)
	}
}

func TestRun_TreeAndFlags(t *testing.T) {
	database, path := testDB(t)
	seedChatTree(t, database)

	t.Run("default_full_tree", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path}, &buf); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "reply.appended") {
			t.Errorf("expected full tree:\n%s", buf.String())
		}
	})

	t.Run("depth_limit_L2", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path, "-L", "2"}, &buf); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(buf.String(), "reply.appended") {
			t.Errorf("expected truncated tree:\n%s", buf.String())
		}
	})

	t.Run("subtree_by_id_json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path, "--id", "7", "--json"}, &buf); err != nil {
			t.Fatal(err)
		}
		var je jsonEvent
		if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
		}
		if je.ID != 7 || len(je.Children) != 2 {
			t.Errorf("unexpected subtree: id=%d children=%d", je.ID, len(je.Children))
		}
	})

	t.Run("no_payload", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path, "--no-payload"}, &buf); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(buf.String(), "thread_id=") {
			t.Errorf("expected no payload:\n%s", buf.String())
		}
	})

	t.Run("missing_root", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path, "--id", "999"}, &buf); err == nil {
			t.Fatal("expected error for unknown root")
		}
	})

	t.Run("thread_filter", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path, "--thread", "nobody"}, &buf); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(buf.String(), "turn.started") {
			t.Errorf("expected turns of other threads to be hidden:\n%s", buf.String())
		}
		if !strings.Contains(buf.String(), "process.exited") {
			t.Errorf("expected thread-less events to stay:\n%s", buf.String())
		}
	})

	t.Run("unknown_role", func(t *testing.T) {
		var buf bytes.Buffer
		if err := run([]string{"--db", path, "--role", "worker"}, &buf); err == nil {
			t.Fatal("expected error for role without process")
		}
	})
}
