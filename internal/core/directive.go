package core

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DirectiveKind classifies a reasoning response.
type DirectiveKind int

const (
	// DirectiveOther is any text without a recognized prefix.  It results in
	// a silent redirect back to the gather step.
	DirectiveOther DirectiveKind = iota
	DirectiveSay
	DirectivePlay
	DirectiveEnd
)

// Directive is a parsed reasoning response.
type Directive struct {
	Kind DirectiveKind
	// Raw is the response as returned by the reasoning service.
	Raw string
	// Text is the phrase to speak for DirectiveSay.
	Text string
	// Digits is the DTMF sequence for DirectivePlay with pause markers
	// removed.
	Digits string
}

// ParseDirective interprets a free-text reasoning response.  Prefix matching
// is case-insensitive and never fails.  "end" only matches as a whole word.
func ParseDirective(raw string) Directive {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	d := Directive{Raw: raw}
	switch {
	case strings.HasPrefix(lower, "play"):
		d.Kind = DirectivePlay
		d.Digits = StripPauses(strings.TrimSpace(after(raw, len("play:"))))
	case strings.HasPrefix(lower, "say"):
		d.Kind = DirectiveSay
		d.Text = strings.TrimSpace(after(raw, len("say:")))
	case isWord(lower, "end"):
		d.Kind = DirectiveEnd
	default:
		d.Kind = DirectiveOther
	}
	return d
}

// StripPauses removes the w/W inter-digit pause hints from a DTMF sequence.
func StripPauses(digits string) string {
	return strings.NewReplacer("w", "", "W", "").Replace(digits)
}

// isWord reports whether s starts with word followed by a non-letter or the
// end of s.
func isWord(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	r, size := utf8.DecodeRuneInString(s[len(word):])
	return size == 0 || !unicode.IsLetter(r)
}

func after(s string, n int) string {
	if len(s) <= n {
		return ""
	}
	return s[n:]
}
