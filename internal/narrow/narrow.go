// Package narrow parses and validates client-supplied narrow terms: the
// operator/operand filters that restrict which messages a fetch returns.
package narrow

import (
	"strings"
)

// Operator is one of the fixed set of narrow operators.
type Operator int

const (
	OpStream Operator = iota + 1
	OpTopic
	OpSender
	OpPMWith
	OpGroupPMWith
	OpID
	OpNear
	OpIs
	OpHas
	OpIn
	OpSearch
)

var operatorWireNames = [...]string{
	OpStream:      "stream",
	OpTopic:       "topic",
	OpSender:      "sender",
	OpPMWith:      "pm-with",
	OpGroupPMWith: "group-pm-with",
	OpID:          "id",
	OpNear:        "near",
	OpIs:          "is",
	OpHas:         "has",
	OpIn:          "in",
	OpSearch:      "search",
}

// operatorNames maps wire names to operators. Lookup is exact and
// case-sensitive; anything absent is rejected.
var operatorNames = func() map[string]Operator {
	m := make(map[string]Operator, len(operatorWireNames))
	for op, name := range operatorWireNames {
		if name != "" {
			m[name] = Operator(op)
		}
	}
	return m
}()

func (o Operator) String() string {
	if o > 0 && int(o) < len(operatorWireNames) {
		return operatorWireNames[o]
	}
	return "unknown"
}

// LookupOperator returns the operator with the given wire name.
func LookupOperator(name string) (Operator, bool) {
	op, ok := operatorNames[name]
	return op, ok
}

// Term is one validated narrow filter.
type Term struct {
	Operator Operator
	Operand  string
	Negated  bool
}

func (t Term) String() string {
	s := t.Operator.String() + ":" + t.Operand
	if t.Negated {
		return "-" + s
	}
	return s
}

// Narrow is an ordered, validated list of terms. A nil or empty Narrow
// means "no narrow".
type Narrow []Term

// IsEmpty reports whether the narrow has no terms.
func (n Narrow) IsEmpty() bool {
	return len(n) == 0
}

// HasOperator reports whether any term uses op, negated or not.
func (n Narrow) HasOperator(op Operator) bool {
	for _, t := range n {
		if t.Operator == op {
			return true
		}
	}
	return false
}

// Terms returns the terms using op, in order.
func (n Narrow) Terms(op Operator) []Term {
	var out []Term
	for _, t := range n {
		if t.Operator == op {
			out = append(out, t)
		}
	}
	return out
}

// PinnedStream returns the operand of the only non-negated stream term.
// ok is false when there is no such term or there is more than one.
func (n Narrow) PinnedStream() (name string, ok bool) {
	count := 0
	for _, t := range n {
		if t.Operator == OpStream && !t.Negated {
			name = t.Operand
			count++
		}
	}
	return name, count == 1
}

// Search returns the effective search term, if any. Normalization leaves at
// most one search term per negation run, so this returns the first.
func (n Narrow) Search() (Term, bool) {
	for _, t := range n {
		if t.Operator == OpSearch {
			return t, true
		}
	}
	return Term{}, false
}

func (n Narrow) String() string {
	parts := make([]string, len(n))
	for i, t := range n {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}
