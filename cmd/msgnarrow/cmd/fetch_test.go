package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wesm/msgnarrow/internal/narrow"
	"github.com/wesm/msgnarrow/internal/query"
	"github.com/wesm/msgnarrow/internal/testutil"
)

func TestParseAnchor(t *testing.T) {
	tests := []struct {
		in       string
		wantMode query.AnchorMode
		wantID   int64
		wantErr  bool
	}{
		{"", query.AnchorNewest, 0, false},
		{"newest", query.AnchorNewest, 0, false},
		{" Oldest ", query.AnchorOldest, 0, false},
		{"first_unread", query.AnchorFirstUnread, 0, false},
		{"42", query.AnchorID, 42, false},
		{"0", query.AnchorID, 0, false},
		{"latest", 0, 0, true},
		{"12abc", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			mode, id, err := parseAnchor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAnchor(%q) = %v, %d; want error", tt.in, mode, id)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnchor(%q): %v", tt.in, err)
			}
			if mode != tt.wantMode || id != tt.wantID {
				t.Errorf("parseAnchor(%q) = %v, %d; want %v, %d", tt.in, mode, id, tt.wantMode, tt.wantID)
			}
		})
	}
}

func TestWriteFailure(t *testing.T) {
	_, perr := narrow.Parse([]byte(`[["is","bogus"]]`))
	if perr == nil {
		t.Fatal("expected parse error")
	}

	var buf bytes.Buffer
	err := writeFailure(&buf, perr)
	if err == nil || !strings.Contains(err.Error(), "bad_narrow_operand") {
		t.Errorf("writeFailure error = %v, want kind in message", err)
	}
	var got query.Failure
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode output %q: %v", buf.String(), err)
	}
	if got.Kind != "bad_narrow_operand" || got.Detail == "" {
		t.Errorf("failure = %+v", got)
	}
}

const testFixture = `{"realms": [{
  "name": "zulip",
  "users": [
    {"email": "hamlet@zulip.com", "full_name": "King Hamlet"},
    {"email": "othello@zulip.com"}
  ],
  "streams": [
    {"name": "Denmark", "subscribers": ["hamlet@zulip.com", "othello@zulip.com"]}
  ],
  "messages": [
    {"sender": "hamlet@zulip.com", "stream": "Denmark", "topic": "castle", "content": "the castle walls", "starred_by": ["othello@zulip.com"]},
    {"sender": "hamlet@zulip.com", "stream": "Denmark", "topic": "moat", "content": "deep water", "read_by": ["othello@zulip.com"]},
    {"sender": "hamlet@zulip.com", "to": ["othello@zulip.com"], "content": "psst"}
  ]
}]}`

func TestLoadFixture(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)

	sum, err := loadFixture(ctx, st, []byte(testFixture))
	testutil.MustNoErr(t, err, "loadFixture")
	if diff := cmp.Diff(&loadSummary{Realms: 1, Users: 2, Streams: 1, Messages: 3}, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	othello, err := st.UserByEmail(ctx, 1, "othello@zulip.com")
	testutil.MustNoErr(t, err, "UserByEmail")
	if othello == nil {
		t.Fatal("othello not loaded")
	}

	engine := query.NewEngine(st.DB(), st, query.Config{Strict: true}, nil)
	fetch := func(narrowJSON string) []int64 {
		t.Helper()
		n, err := narrow.Parse([]byte(narrowJSON))
		testutil.MustNoErr(t, err, "Parse")
		res, err := engine.Fetch(ctx, query.FetchRequest{
			UserID:     othello.ID,
			Narrow:     n,
			AnchorMode: query.AnchorNewest,
			NumBefore:  100,
		})
		testutil.MustNoErr(t, err, "Fetch")
		return res.IDs()
	}

	tests := []struct {
		narrow string
		want   []int64
	}{
		{`[]`, []int64{1, 2, 3}},
		{`[["stream","Denmark"]]`, []int64{1, 2}},
		{`[["is","starred"]]`, []int64{1}},
		{`[["is","unread"]]`, []int64{1, 3}},
		{`[["is","private"]]`, []int64{3}},
		{`[["pm-with","hamlet@zulip.com"]]`, []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.narrow, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, fetch(tt.narrow), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadFixture_UnknownUser(t *testing.T) {
	st := testutil.NewTestStore(t)
	data := `{"realms": [{"name": "zulip",
	  "users": [{"email": "hamlet@zulip.com"}],
	  "streams": [{"name": "Denmark", "subscribers": ["ghost@zulip.com"]}]}]}`

	_, err := loadFixture(context.Background(), st, []byte(data))
	if err == nil || !strings.Contains(err.Error(), "ghost@zulip.com") {
		t.Errorf("loadFixture error = %v, want unknown user", err)
	}
}

func TestLoadFixture_BadJSON(t *testing.T) {
	st := testutil.NewTestStore(t)
	_, err := loadFixture(context.Background(), st, []byte(`{"realms": [`))
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Errorf("loadFixture error = %v, want JSON syntax error", err)
	}
}
