// Package search parses search operands and computes the match locations
// and highlighting shown alongside search results.
package search

import (
	"strings"
)

// Query is a parsed search operand.
type Query struct {
	Words   []string // bare words, matched as word prefixes
	Phrases []string // "quoted phrases", matched literally
}

// IsEmpty returns true if the query has no terms.
func (q Query) IsEmpty() bool {
	return len(q.Words) == 0 && len(q.Phrases) == 0
}

// Terms returns all terms, words first.
func (q Query) Terms() []string {
	out := make([]string, 0, len(q.Words)+len(q.Phrases))
	out = append(out, q.Words...)
	return append(out, q.Phrases...)
}

// Parse splits a search operand into bare words and quoted phrases.
// An unterminated quote runs to the end of the operand.
func Parse(operand string) Query {
	var q Query
	for _, tok := range tokenize(operand) {
		if isQuotedPhrase(tok) {
			if phrase := strings.TrimSpace(unquote(tok)); phrase != "" {
				q.Phrases = append(q.Phrases, phrase)
			}
			continue
		}
		q.Words = append(q.Words, tok)
	}
	return q
}

// FTSExpression renders the query as an FTS5 MATCH expression. Every term
// is quoted so that FTS5 operators in user input are treated as text.
func (q Query) FTSExpression() string {
	terms := q.Terms()
	parts := make([]string, len(terms))
	for i, term := range terms {
		parts[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(parts, " ")
}

// unquote removes surrounding double quotes from a string if present.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// isQuotedPhrase returns true if the token is a double-quoted phrase.
func isQuotedPhrase(token string) bool {
	return len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"'
}

// tokenize splits an operand on whitespace, keeping "quoted phrases"
// together as single tokens (quotes included).
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, char := range s {
		switch {
		case char == '"' && !inQuotes:
			flush()
			inQuotes = true
			current.WriteRune(char)
		case char == '"' && inQuotes:
			current.WriteRune(char)
			inQuotes = false
			flush()
		case isSpace(char) && !inQuotes:
			flush()
		default:
			current.WriteRune(char)
		}
	}
	if inQuotes {
		current.WriteRune('"')
	}
	flush()
	return tokens
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
