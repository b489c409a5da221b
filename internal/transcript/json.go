// Package transcript persists conversation threads.
//
// The on-disk format is a JSON array. The first object may carry the
// running summaries, every other object is one message:
//
//	[
//	    {"summary": ["...", "..."]},
//	    {"role": "human", "content": "..."},
//	    {"role": "ai", "content": "..."}
//	]
//
// Decoding accepts JSONC (comments, trailing commas) so hand-edited files
// load. Encoding always emits exactly one leading summary object.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

const (
	roleHuman = "human"
	roleAI    = "ai"
)

type summaryEntry struct {
	Summary []string `json:"summary"`
}

type messageEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Decode parses the persisted format. Structural problems (not an array,
// a summary object that is not a list of strings) are returned as a
// *ctxpkg.MalformedStateError. Individual messages that cannot be used are
// skipped and recorded in Transcript.Warnings.
func Decode(data []byte) (ctxpkg.Transcript, error) {
	var t ctxpkg.Transcript
	data = jsonc.ToJSON(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return t, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return t, &ctxpkg.MalformedStateError{Index: -1, Reason: fmt.Sprintf("top level must be a JSON array: %v", err)}
	}

	warn := func(i int, format string, args ...any) {
		t.Warnings = append(t.Warnings, &ctxpkg.MalformedStateError{Index: i, Reason: fmt.Sprintf(format, args...)})
	}

	for i, raw := range entries {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			warn(i, "entry is not an object")
			continue
		}

		if rawSummary, ok := fields["summary"]; ok {
			if i != 0 {
				warn(i, "summary object is only allowed as the first entry")
				continue
			}
			var summaries []string
			if err := json.Unmarshal(rawSummary, &summaries); err != nil {
				return t, &ctxpkg.MalformedStateError{Index: i, Reason: fmt.Sprintf("summary must be a list of strings: %v", err)}
			}
			t.Summaries = summaries
			continue
		}

		var role, content string
		if err := json.Unmarshal(fields["role"], &role); err != nil {
			warn(i, "missing or non-string role")
			continue
		}
		if err := json.Unmarshal(fields["content"], &content); err != nil {
			warn(i, "missing or non-string content")
			continue
		}
		switch role {
		case roleHuman:
			t.Turns = append(t.Turns, ctxpkg.Turn{Role: ctxpkg.RoleUser, Content: content})
		case roleAI:
			t.Turns = append(t.Turns, ctxpkg.Turn{Role: ctxpkg.RoleAssistant, Content: content})
		default:
			warn(i, "unrecognized role %q", role)
		}
	}
	return t, nil
}

// Encode renders t in the persisted format. Blank placeholder summaries
// are not written.
func Encode(t ctxpkg.Transcript) ([]byte, error) {
	summaries := make([]string, 0, len(t.Summaries))
	for _, s := range t.Summaries {
		if strings.TrimSpace(s) != "" {
			summaries = append(summaries, s)
		}
	}

	entries := make([]any, 0, 1+len(t.Turns))
	entries = append(entries, summaryEntry{Summary: summaries})
	for _, turn := range t.Turns {
		var role string
		switch turn.Role {
		case ctxpkg.RoleUser:
			role = roleHuman
		case ctxpkg.RoleAssistant:
			role = roleAI
		default:
			return nil, fmt.Errorf("cannot persist turn seq=%d with role %q", turn.Seq, turn.Role)
		}
		entries = append(entries, messageEntry{Role: role, Content: turn.Content})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return buf.Bytes(), nil
}
