package narrow

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Narrow
	}{
		{"empty payload", ``, nil},
		{"null", `null`, nil},
		{"empty list", `[]`, nil},
		{"legacy empty object", `{}`, nil},
		{
			name:  "legacy pairs",
			input: `[["stream", "Verona"], ["topic", "golf"]]`,
			want: Narrow{
				{Operator: OpStream, Operand: "Verona"},
				{Operator: OpTopic, Operand: "golf"},
			},
		},
		{
			name:  "objects with negation",
			input: `[{"operator": "stream", "operand": "Verona"}, {"operator": "is", "operand": "starred", "negated": true}]`,
			want: Narrow{
				{Operator: OpStream, Operand: "Verona"},
				{Operator: OpIs, Operand: "starred", Negated: true},
			},
		},
		{
			name:  "numeric operand",
			input: `[{"operator": "id", "operand": 42}]`,
			want:  Narrow{{Operator: OpID, Operand: "42"}},
		},
		{
			name:  "pm-with list operand",
			input: `[{"operator": "pm-with", "operand": ["hamlet@zulip.com", " othello@zulip.com"]}]`,
			want:  Narrow{{Operator: OpPMWith, Operand: "hamlet@zulip.com,othello@zulip.com"}},
		},
		{
			name:  "consecutive searches merge",
			input: `[["search", "lunch"], ["search", "plans"], ["stream", "Denmark"], ["search", "later"]]`,
			want: Narrow{
				{Operator: OpSearch, Operand: "lunch plans"},
				{Operator: OpStream, Operand: "Denmark"},
				{Operator: OpSearch, Operand: "later"},
			},
		},
		{
			name:  "searches with different negation stay apart",
			input: `[{"operator": "search", "operand": "a"}, {"operator": "search", "operand": "b", "negated": true}]`,
			want: Narrow{
				{Operator: OpSearch, Operand: "a"},
				{Operator: OpSearch, Operand: "b", Negated: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.input, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParse_LegacyAndObjectFormsAgree(t *testing.T) {
	legacy, err := Parse([]byte(`[["sender", "iago@zulip.com"], ["has", "link"]]`))
	if err != nil {
		t.Fatal(err)
	}
	objects, err := Parse([]byte(`[{"operator": "sender", "operand": "iago@zulip.com"}, {"operator": "has", "operand": "link"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(legacy, objects); diff != "" {
		t.Errorf("legacy and object narrows differ (-legacy +objects):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind string
		contains string
	}{
		{"unknown operator", `[["foo", "bar"]]`, "bad_narrow_operator", "foo"},
		{"operator is case-sensitive", `[["Stream", "Verona"]]`, "bad_narrow_operator", "Stream"},
		{"bad is operand", `[["is", "bogus"]]`, "bad_narrow_operand", "bogus"},
		{"bad has operand", `[["has", "video"]]`, "bad_narrow_operand", "video"},
		{"bad in operand", `[["in", "elsewhere"]]`, "bad_narrow_operand", "elsewhere"},
		{"non-integer id", `[["id", "abc"]]`, "bad_narrow_operand", "abc"},
		{"empty stream", `[["stream", "  "]]`, "bad_narrow_operand", "stream"},
		{"empty pm-with entry", `[["pm-with", "a@b.com,,c@d.com"]]`, "bad_narrow_operand", "pm-with"},
		{"not a list", `"stream"`, "malformed_narrow", "list"},
		{"pair too short", `[["stream"]]`, "malformed_narrow", "operator"},
		{"object without operand", `[{"operator": "stream"}]`, "malformed_narrow", "operand"},
		{"object without operator", `[{"operand": "Verona"}]`, "malformed_narrow", "operator"},
		{"boolean operand", `[["stream", true]]`, "malformed_narrow", "operand"},
		{"scalar element", `[42]`, "malformed_narrow", "element 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.input)
			}
			var kinded interface{ Kind() string }
			if !errors.As(err, &kinded) {
				t.Fatalf("error %v has no Kind", err)
			}
			if kinded.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", kinded.Kind(), tt.wantKind)
			}
			if !containsFold(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.contains)
			}
		})
	}
}

func TestNarrowHelpers(t *testing.T) {
	n := Narrow{
		{Operator: OpStream, Operand: "Verona"},
		{Operator: OpStream, Operand: "Denmark", Negated: true},
		{Operator: OpSearch, Operand: "golf"},
	}

	if name, ok := n.PinnedStream(); !ok || name != "Verona" {
		t.Errorf("PinnedStream() = %q, %v; want Verona, true", name, ok)
	}
	if !n.HasOperator(OpSearch) || n.HasOperator(OpIs) {
		t.Error("HasOperator reported wrong operators")
	}
	if got := len(n.Terms(OpStream)); got != 2 {
		t.Errorf("Terms(OpStream) returned %d terms, want 2", got)
	}
	if got, want := n.String(), "stream:Verona -stream:Denmark search:golf"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	two := Narrow{{Operator: OpStream, Operand: "a"}, {Operator: OpStream, Operand: "b"}}
	if _, ok := two.PinnedStream(); ok {
		t.Error("two stream terms should not pin a stream")
	}
	if !Narrow(nil).IsEmpty() {
		t.Error("nil narrow should be empty")
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
