package context

import (
	"regexp"
	"strings"
)

// Sanitizer post-processes model or summarizer output before it is stored.
type Sanitizer interface {
	Sanitize(text string) string
}

// SanitizerFunc adapts a function to the Sanitizer interface.
type SanitizerFunc func(string) string

func (f SanitizerFunc) Sanitize(text string) string { return f(text) }

var thinkSection = regexp.MustCompile(`(?is)<think>.*?</think>\s*`)

// StripThinkTags removes <think>...</think> sections emitted by reasoning
// models, along with the whitespace that follows them.
var StripThinkTags = SanitizerFunc(func(text string) string {
	return thinkSection.ReplaceAllString(text, "")
})

// TrimSpace removes leading and trailing whitespace.
var TrimSpace = SanitizerFunc(strings.TrimSpace)

// Chain applies sanitizers in order. Nil entries are skipped.
func Chain(sanitizers ...Sanitizer) Sanitizer {
	return SanitizerFunc(func(text string) string {
		for _, s := range sanitizers {
			if s != nil {
				text = s.Sanitize(text)
			}
		}
		return text
	})
}

// sanitize applies s when set.
func sanitize(s Sanitizer, text string) string {
	if s == nil {
		return text
	}
	return s.Sanitize(text)
}
