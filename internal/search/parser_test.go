package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		operand string
		want    Query
	}{
		{"empty", "", Query{}},
		{"whitespace only", "  \t ", Query{}},
		{"bare words", "lunch plans", Query{Words: []string{"lunch", "plans"}}},
		{"extra spaces", "  lunch   plans ", Query{Words: []string{"lunch", "plans"}}},
		{
			name:    "quoted phrase",
			operand: `"good morning"`,
			want:    Query{Phrases: []string{"good morning"}},
		},
		{
			name:    "words and phrase",
			operand: `golf "hole in one" today`,
			want:    Query{Words: []string{"golf", "today"}, Phrases: []string{"hole in one"}},
		},
		{
			name:    "phrase glued to word",
			operand: `tee"off time"`,
			want:    Query{Words: []string{"tee"}, Phrases: []string{"off time"}},
		},
		{
			name:    "unterminated quote runs to end",
			operand: `"open ended`,
			want:    Query{Phrases: []string{"open ended"}},
		},
		{"empty quotes dropped", `"" golf`, Query{Words: []string{"golf"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.operand)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.operand, diff)
			}
		})
	}
}

func TestQuery_FTSExpression(t *testing.T) {
	tests := []struct {
		operand string
		want    string
	}{
		{"golf", `"golf"`},
		{`golf "hole in one"`, `"golf" "hole in one"`},
		{`NOT golf*`, `"NOT" "golf*"`},
		{`say"hi`, `"say" "hi"`},
	}
	for _, tt := range tests {
		if got := Parse(tt.operand).FTSExpression(); got != tt.want {
			t.Errorf("Parse(%q).FTSExpression() = %q, want %q", tt.operand, got, tt.want)
		}
	}
}
