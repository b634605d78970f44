package narrow

import "fmt"

// BadOperatorError reports an operator outside the supported set.
type BadOperatorError struct {
	Operator string
}

func (e *BadOperatorError) Error() string {
	return fmt.Sprintf("invalid narrow operator: unknown operator %q", e.Operator)
}

// Kind identifies the error class for structured responses.
func (e *BadOperatorError) Kind() string { return "bad_narrow_operator" }

// BadOperandError reports an operand that fails type or reference
// validation for its operator.
type BadOperandError struct {
	Operator string
	Operand  string
	Reason   string
}

func (e *BadOperandError) Error() string {
	return fmt.Sprintf("invalid narrow operand for %s: %s (%q)", e.Operator, e.Reason, e.Operand)
}

// Kind identifies the error class for structured responses.
func (e *BadOperandError) Kind() string { return "bad_narrow_operand" }

// NewBadOperand builds a BadOperandError for a term.
func NewBadOperand(t Term, reason string) *BadOperandError {
	return &BadOperandError{Operator: t.Operator.String(), Operand: t.Operand, Reason: reason}
}

// MalformedError reports a narrow payload that is not a list of terms.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed narrow: " + e.Reason
}

// Kind identifies the error class for structured responses.
func (e *MalformedError) Kind() string { return "malformed_narrow" }
