package search

import (
	"html"
	"sort"
	"strings"
	"unicode"
)

const (
	highlightStart = `<span class="highlight">`
	highlightStop  = `</span>`
)

// Location is a match span in rune (Unicode code point) units.
type Location struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// MatchLocations finds the spans of text matched by q, case-insensitively.
// Words match any token that starts with the word; phrases match as
// literal substrings. Overlapping spans keep the earliest, longest one.
func MatchLocations(text string, q Query) []Location {
	if q.IsEmpty() || text == "" {
		return nil
	}
	runes := foldRunes(text)

	var locs []Location
	for _, word := range q.Words {
		w := foldRunes(word)
		if len(w) == 0 {
			continue
		}
		if isWordish(w) {
			locs = append(locs, prefixMatches(runes, w)...)
		} else {
			locs = append(locs, substringMatches(runes, w)...)
		}
	}
	for _, phrase := range q.Phrases {
		if p := foldRunes(phrase); len(p) > 0 {
			locs = append(locs, substringMatches(runes, p)...)
		}
	}
	return dropOverlaps(locs)
}

// foldRunes lowercases rune by rune so offsets stay aligned with the input.
func foldRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isWordish(w []rune) bool {
	for _, r := range w {
		if !isWordRune(r) {
			return false
		}
	}
	return true
}

func prefixMatches(text, word []rune) []Location {
	var out []Location
	for i := 0; i < len(text); {
		if !isWordRune(text[i]) {
			i++
			continue
		}
		start := i
		for i < len(text) && isWordRune(text[i]) {
			i++
		}
		if i-start >= len(word) && runesEqual(text[start:start+len(word)], word) {
			out = append(out, Location{Offset: start, Length: i - start})
		}
	}
	return out
}

func substringMatches(text, sub []rune) []Location {
	var out []Location
	for i := 0; i+len(sub) <= len(text); {
		if runesEqual(text[i:i+len(sub)], sub) {
			out = append(out, Location{Offset: i, Length: len(sub)})
			i += len(sub)
			continue
		}
		i++
	}
	return out
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dropOverlaps(locs []Location) []Location {
	if len(locs) == 0 {
		return nil
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Offset != locs[j].Offset {
			return locs[i].Offset < locs[j].Offset
		}
		return locs[i].Length > locs[j].Length
	})
	out := locs[:1]
	end := locs[0].Offset + locs[0].Length
	for _, l := range locs[1:] {
		if l.Offset < end {
			continue
		}
		out = append(out, l)
		end = l.Offset + l.Length
	}
	return out
}

// Highlight wraps each located span of text in a highlight span.
//
// The scan tracks whether it is inside an HTML tag by looking at every '<'
// and '>' in the prefix and the match. The state after the match decides:
// a span that ends inside a tag is emitted without highlighting. A match
// containing '>' followed by more matched text therefore counts as outside
// a tag even if it began inside one.
func Highlight(text string, locs []Location) string {
	runes := []rune(text)
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i > len(runes) {
			return len(runes)
		}
		return i
	}

	var b strings.Builder
	pos := 0
	inTag := false
	for _, loc := range locs {
		prefixEnd := clamp(loc.Offset)
		var prefix []rune
		if prefixEnd > pos {
			prefix = runes[pos:prefixEnd]
		}
		matchStart, matchEnd := clamp(loc.Offset), clamp(loc.Offset+loc.Length)
		var match []rune
		if matchEnd > matchStart {
			match = runes[matchStart:matchEnd]
		}

		for _, seg := range [2][]rune{prefix, match} {
			for _, r := range seg {
				switch r {
				case '<':
					inTag = true
				case '>':
					inTag = false
				}
			}
		}

		b.WriteString(string(prefix))
		if inTag {
			b.WriteString(string(match))
		} else {
			b.WriteString(highlightStart)
			b.WriteString(string(match))
			b.WriteString(highlightStop)
		}
		pos = matchEnd
	}
	if pos < len(runes) {
		b.WriteString(string(runes[pos:]))
	}
	return b.String()
}

// Highlighted holds the display forms of a search hit.
type Highlighted struct {
	Content string `json:"match_content"`
	Topic   string `json:"match_subject"`
}

// EscapeTopic returns the HTML-escaped topic that topic offsets refer to.
func EscapeTopic(topic string) string {
	return html.EscapeString(topic)
}

// Fields highlights rendered content and the escaped topic using offsets
// computed by MatchLocations on the same strings.
func Fields(renderedContent, topic string, contentLocs, topicLocs []Location) Highlighted {
	return Highlighted{
		Content: Highlight(renderedContent, contentLocs),
		Topic:   Highlight(EscapeTopic(topic), topicLocs),
	}
}
