// Command event-tree prints the event log of a chat process as a tree:
// process, turns, and what happened inside each turn.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("[event-tree] %v", err)
	}
}

func run(args []string, out io.Writer) error {
	var (
		dbPath    string
		eventID   int64
		maxDepth  int
		jsonOut   bool
		noPayload bool
		role      string
		thread    string
	)

	fs := pflag.NewFlagSet("event-tree", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&dbPath, "db", envOrDefault("CHATMEM_DB_PATH", "./chatmem.db"), "SQLite database path")
	fs.Int64Var(&eventID, "id", 0, "show subtree of a specific event ID")
	fs.IntVarP(&maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	fs.BoolVar(&jsonOut, "json", false, "output JSON format")
	fs.BoolVar(&noPayload, "no-payload", false, "hide payload details")
	fs.StringVar(&role, "role", "chat", "process role used to find the latest root")
	fs.StringVar(&thread, "thread", "", "only show turns of this thread id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	rootID := eventID
	if rootID == 0 {
		rootID, err = latestProcessRoot(db, role)
		if err != nil {
			return fmt.Errorf("find %s root: %w", role, err)
		}
	}

	events, err := querySubtree(db, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("root event %d not found", rootID)
	}
	if thread != "" {
		filterThread(root, thread)
	}

	if jsonOut {
		return printJSON(out, root, maxDepth, noPayload)
	}
	p := &treePrinter{out: out, maxDepth: maxDepth, noPayload: noPayload}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.styles = defaultStyles()
	}
	p.print(root, "", true, 1)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// latestProcessRoot finds the most recent process.started event with the given role.
func latestProcessRoot(db *sql.DB, role string) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = 'process.started'
		 AND json_extract(payload, '$.role') = ?
		 ORDER BY id DESC LIMIT 1`, role,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no %s process.started event found", role)
	}
	return id, err
}

// querySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree links events to their parents and returns the node for rootID.
// Children are ordered by id.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

// filterThread drops direct children of root that belong to another
// thread. Events that carry no thread id are kept.
func filterThread(root *Event, thread string) {
	kept := root.Children[:0]
	for _, child := range root.Children {
		if id, ok := payloadMap(child)["thread_id"].(string); ok && id != thread {
			continue
		}
		kept = append(kept, child)
	}
	root.Children = kept
}

func payloadMap(ev *Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

type eventStyles struct {
	failure lipgloss.Style
	success lipgloss.Style
	id      lipgloss.Style
}

func defaultStyles() *eventStyles {
	return &eventStyles{
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		id:      lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// treePrinter renders an event tree with box-drawing characters. styles
// is nil for plain output.
type treePrinter struct {
	out       io.Writer
	maxDepth  int
	noPayload bool
	styles    *eventStyles
}

func (p *treePrinter) print(ev *Event, prefix string, isLast bool, depth int) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := p.line(ev)
	if depth == 1 {
		fmt.Fprintln(p.out, line)
	} else {
		fmt.Fprintln(p.out, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	if p.maxDepth > 0 && depth >= p.maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(p.out, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		p.print(child, childPrefix, i == len(ev.Children)-1, depth+1)
	}
}

func (p *treePrinter) line(ev *Event) string {
	line := formatEvent(ev, p.noPayload)
	if p.styles == nil {
		return line
	}
	switch {
	case isFailure(ev.EventType):
		return p.styles.failure.Render(line)
	case strings.HasSuffix(ev.EventType, ".completed"):
		return p.styles.success.Render(line)
	default:
		return line
	}
}

func isFailure(eventType string) bool {
	return strings.HasSuffix(eventType, ".failed") ||
		strings.HasSuffix(eventType, "_failed") ||
		eventType == "circuit.opened"
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s  %s", ev.ID, ts, ev.EventType)

	if !noPayload {
		m := payloadMap(ev)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s=%s", k, formatValue(m[k]))
		}
	}
	return sb.String()
}

// formatValue converts a payload value to a display string. Long text is
// truncated and multi-line text is quoted onto one line.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return fmt.Sprintf("%q", val[:80]+"...")
		}
		if strings.ContainsAny(val, "\n\t ") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
	}
	if !noPayload {
		if m := payloadMap(ev); m != nil {
			je.Payload = m
		}
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(out io.Writer, root *Event, maxDepth int, noPayload bool) error {
	je := toJSONEvent(root, 1, maxDepth, noPayload)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(je); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
