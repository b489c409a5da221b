package context

import "fmt"

// Role tags who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// NoSeq marks turns synthesized by the builder (persona, summaries) that
// never existed in raw history.
const NoSeq = -1

// Turn is one role-tagged message. Turns are values; nothing mutates a
// turn after it has been appended to a store.
type Turn struct {
	Role    Role
	Content string
	Seq     int
}

// Range is an inclusive interval of sequence indexes.
type Range struct {
	Start int
	End   int
}

// Len returns the number of sequence indexes covered.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Summary replaces a contiguous run of turns with distilled text.
type Summary struct {
	Content string
	Range   Range
	// Index is the position of the summary in the store's summary list
	// at the time it was created.
	Index int
}

// rangeOf returns the sequence interval spanned by a non-empty chunk.
func rangeOf(chunk []Turn) Range {
	return Range{Start: chunk[0].Seq, End: chunk[len(chunk)-1].Seq}
}
