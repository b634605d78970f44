package query

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/wesm/msgnarrow/internal/search"
)

// ErrUnsafeRegimeSelection is returned when a plan would read a stream's
// full history without the narrow proving that the user may read it.
var ErrUnsafeRegimeSelection = eris.New("unsafe access regime selection")

// idRef in predicate SQL is replaced by the regime's message id column.
const idRef = "{id}"

// Predicate is one WHERE condition of a plan.
type Predicate struct {
	SQL  string
	Args []interface{}

	// NeedsMessage is set when SQL reads columns of the messages table (m).
	NeedsMessage bool
	// NeedsDelivery is set when SQL reads delivery flags (um) or the term
	// only has meaning for messages the user received.
	NeedsDelivery bool
	// PinsRecipient is set on a non-negated equality on one stream's
	// recipient id; Args[0] holds the recipient id.
	PinsRecipient bool
}

func negate(p Predicate, negated bool) Predicate {
	if !negated {
		return p
	}
	p.SQL = "NOT (" + p.SQL + ")"
	p.PinsRecipient = false
	return p
}

// Plan is an immutable query plan for one user. With returns a new plan;
// predicates are only ever appended.
type Plan struct {
	userID          int64
	fullHistory     bool
	pinnedRecipient int64
	forceJoin       bool
	preds           []Predicate
	search          search.Query
}

func newPlan(userID int64) *Plan {
	return &Plan{userID: userID}
}

// With returns a copy of the plan with pred appended.
func (p *Plan) With(pred Predicate) *Plan {
	next := *p
	next.preds = append(p.preds[:len(p.preds):len(p.preds)], pred)
	return &next
}

func (p *Plan) withSearch(q search.Query) *Plan {
	next := *p
	next.search = search.Query{
		Words:   append(p.search.Words[:len(p.search.Words):len(p.search.Words)], q.Words...),
		Phrases: append(p.search.Phrases[:len(p.search.Phrases):len(p.search.Phrases)], q.Phrases...),
	}
	return &next
}

// inDeliveryJoin returns a copy evaluated against the user's delivery rows
// joined to messages, regardless of the regime the plan selected.
func (p *Plan) inDeliveryJoin() *Plan {
	next := *p
	next.fullHistory = false
	next.pinnedRecipient = 0
	next.forceJoin = true
	return &next
}

// UserID returns the user the plan was built for.
func (p *Plan) UserID() int64 { return p.userID }

// Search returns the combined non-negated search terms.
func (p *Plan) Search() search.Query { return p.search }

// Predicates returns a copy of the plan's predicates.
func (p *Plan) Predicates() []Predicate {
	return append([]Predicate(nil), p.preds...)
}

// Regime returns the access regime the plan runs in.
func (p *Plan) Regime() Regime {
	if p.fullHistory {
		return RegimeFullHistory
	}
	if p.forceJoin || !p.search.IsEmpty() {
		return RegimeDeliveryJoin
	}
	for _, pred := range p.preds {
		if pred.NeedsMessage {
			return RegimeDeliveryJoin
		}
	}
	return RegimeDelivery
}

// Validate re-checks the full-history precondition: the plan must pin the
// stream's recipient with a non-negated predicate and must not depend on
// delivery rows.
func (p *Plan) Validate() error {
	if !p.fullHistory {
		return nil
	}
	if p.pinnedRecipient <= 0 {
		return eris.Wrapf(ErrUnsafeRegimeSelection, "user %d: full history without a pinned stream", p.userID)
	}
	pinned := false
	for _, pred := range p.preds {
		if pred.NeedsDelivery {
			return eris.Wrapf(ErrUnsafeRegimeSelection, "user %d: full history with delivery predicate %q", p.userID, pred.SQL)
		}
		if pred.PinsRecipient && len(pred.Args) > 0 && pred.Args[0] == interface{}(p.pinnedRecipient) {
			pinned = true
		}
	}
	if !pinned {
		return eris.Wrapf(ErrUnsafeRegimeSelection, "user %d: recipient %d is not pinned by the narrow", p.userID, p.pinnedRecipient)
	}
	return nil
}

func (p *Plan) idColumn() string {
	if p.Regime() == RegimeFullHistory {
		return "m.id"
	}
	return "um.message_id"
}

// from returns the FROM clause and the base conditions of the regime.
func (p *Plan) from() (string, []string, []interface{}) {
	switch p.Regime() {
	case RegimeFullHistory:
		return "messages m", []string{"m.recipient_id = ?"}, []interface{}{p.pinnedRecipient}
	case RegimeDeliveryJoin:
		return "user_messages um JOIN messages m ON m.id = um.message_id", []string{"um.user_id = ?"}, []interface{}{p.userID}
	default:
		return "user_messages um", []string{"um.user_id = ?"}, []interface{}{p.userID}
	}
}

// selectSQL renders SELECT <cols> FROM ... WHERE ... with extra conditions
// appended after the plan's predicates.
func (p *Plan) selectSQL(cols string, extra []string, extraArgs []interface{}) (string, []interface{}) {
	from, conditions, args := p.from()
	id := p.idColumn()
	for _, pred := range p.preds {
		conditions = append(conditions, strings.ReplaceAll(pred.SQL, idRef, id))
		args = append(args, pred.Args...)
	}
	for _, c := range extra {
		conditions = append(conditions, strings.ReplaceAll(c, idRef, id))
	}
	args = append(args, extraArgs...)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.ReplaceAll(cols, idRef, id), from, strings.Join(conditions, " AND "))
	return query, args
}

// columns returns the select list for window queries.
func (p *Plan) columns() string {
	flags := "um.flags"
	if p.Regime() == RegimeFullHistory {
		flags = "0"
	}
	cols := idRef + ", " + flags
	if !p.search.IsEmpty() {
		cols += ", m.topic, m.rendered_content"
	}
	return cols
}
