package query

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestPlanValidate(t *testing.T) {
	pin := Predicate{SQL: "m.recipient_id = ?", Args: []interface{}{int64(7)}, NeedsMessage: true, PinsRecipient: true}
	flags := Predicate{SQL: "(um.flags & 2) != 0", NeedsDelivery: true}

	tests := []struct {
		name    string
		plan    *Plan
		wantErr bool
	}{
		{"delivery plan", newPlan(1).With(flags), false},
		{"pinned full history", (&Plan{userID: 1, fullHistory: true, pinnedRecipient: 7}).With(pin), false},
		{"no pinned recipient", (&Plan{userID: 1, fullHistory: true}).With(pin), true},
		{"pin for another stream", (&Plan{userID: 1, fullHistory: true, pinnedRecipient: 8}).With(pin), true},
		{"negated pin", (&Plan{userID: 1, fullHistory: true, pinnedRecipient: 7}).With(negate(pin, true)), true},
		{"delivery predicate", (&Plan{userID: 1, fullHistory: true, pinnedRecipient: 7}).With(pin).With(flags), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsafeRegimeSelection) {
				t.Errorf("Validate() = %v, want ErrUnsafeRegimeSelection", err)
			}
		})
	}
}

func TestPlanSelectSQL(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
		want string
	}{
		{
			name: "delivery",
			plan: newPlan(3),
			want: "SELECT um.message_id, um.flags FROM user_messages um WHERE um.user_id = ?",
		},
		{
			name: "delivery join",
			plan: newPlan(3).With(Predicate{SQL: "m.sender_id = ?", Args: []interface{}{int64(4)}, NeedsMessage: true}),
			want: "SELECT um.message_id, um.flags FROM user_messages um JOIN messages m ON m.id = um.message_id " +
				"WHERE um.user_id = ? AND m.sender_id = ?",
		},
		{
			name: "full history",
			plan: (&Plan{userID: 3, fullHistory: true, pinnedRecipient: 9}).
				With(Predicate{SQL: idRef + " = ?", Args: []interface{}{int64(5)}}),
			want: "SELECT m.id, 0 FROM messages m WHERE m.recipient_id = ? AND m.id = ?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.plan.selectSQL(tt.plan.columns(), nil, nil)
			if got != tt.want {
				t.Errorf("selectSQL() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestWindowHalves(t *testing.T) {
	tests := []struct {
		name          string
		anchor        int64
		before, after int
		want          []half
	}{
		{"both", 100, 10, 10, []half{
			{cmp: "<=", bound: 99, desc: true, limit: 10},
			{cmp: ">=", bound: 100, limit: 11},
		}},
		{"before only", 100, 10, 0, []half{{cmp: "<=", bound: 100, desc: true, limit: 11}}},
		{"after only", 100, 0, 10, []half{{cmp: ">=", bound: 100, limit: 11}}},
		{"anchor only", 100, 0, 0, []half{{cmp: "=", bound: 100, limit: 1}}},
		{"newest drops after half", LargerThanMaxMessageID, 5, 5, []half{
			{cmp: "<=", bound: LargerThanMaxMessageID - 1, desc: true, limit: 5},
		}},
		{"newest anchor only", LargerThanMaxMessageID, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := windowHalves(tt.anchor, tt.before, tt.after)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(half{}), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("windowHalves() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLimitWindow(t *testing.T) {
	rows := func(ids ...int64) []fetchedRow {
		out := make([]fetchedRow, len(ids))
		for i, id := range ids {
			out[i] = fetchedRow{id: id}
		}
		return out
	}

	res := limitWindow(rows(1, 2, 3, 4, 5, 6, 7), 4, 2, 2)
	if diff := cmp.Diff([]int64{2, 3, 4, 5, 6}, res.IDs()); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if !res.FoundAnchor || res.FoundOldest || res.FoundNewest {
		t.Errorf("markers = %+v", res)
	}

	res = limitWindow(rows(5, 6), 0, 3, 3)
	if res.FoundAnchor || !res.FoundOldest || !res.FoundNewest {
		t.Errorf("oldest anchor markers = %+v", res)
	}
}
