package narrow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawTerm is a term as supplied by a client, before validation.
type RawTerm struct {
	Operator string
	Operand  string
	Negated  bool
}

// operandFn validates an operand and returns its canonical form.
type operandFn func(operand string) (string, error)

func oneOf(values ...string) operandFn {
	return func(v string) (string, error) {
		for _, allowed := range values {
			if v == allowed {
				return v, nil
			}
		}
		return "", fmt.Errorf("expected one of %s", strings.Join(values, ", "))
	}
}

func integer(v string) (string, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return "", fmt.Errorf("not an integer")
	}
	return strconv.FormatInt(n, 10), nil
}

func nonEmpty(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("empty operand")
	}
	return v, nil
}

func emailList(v string) (string, error) {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", fmt.Errorf("empty email in list")
		}
		parts[i] = p
	}
	return strings.Join(parts, ","), nil
}

func anyOperand(v string) (string, error) { return v, nil }

// operandRules maps each operator to its operand validator.
var operandRules = map[Operator]operandFn{
	OpStream:      nonEmpty,
	OpTopic:       anyOperand,
	OpSender:      nonEmpty,
	OpPMWith:      emailList,
	OpGroupPMWith: nonEmpty,
	OpID:          integer,
	OpNear:        integer,
	OpIs:          oneOf("private", "starred", "unread", "mentioned", "alerted"),
	OpHas:         oneOf("attachment", "image", "link"),
	OpIn:          oneOf("home", "all"),
	OpSearch:      anyOperand,
}

// Normalize validates raw terms and returns the normalized narrow.
//
// Consecutive search terms with the same negation are merged into one term
// whose operand is the space-joined operands, for compatibility with
// clients that send one search term per word.
func Normalize(raw []RawTerm) (Narrow, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(Narrow, 0, len(raw))
	for _, r := range raw {
		op, ok := LookupOperator(r.Operator)
		if !ok {
			return nil, &BadOperatorError{Operator: r.Operator}
		}
		operand, err := operandRules[op](r.Operand)
		if err != nil {
			return nil, &BadOperandError{Operator: r.Operator, Operand: r.Operand, Reason: err.Error()}
		}
		term := Term{Operator: op, Operand: operand, Negated: r.Negated}

		if op == OpSearch && len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Operator == OpSearch && prev.Negated == term.Negated {
				prev.Operand = prev.Operand + " " + term.Operand
				continue
			}
		}
		out = append(out, term)
	}
	return out, nil
}

// Parse decodes a JSON narrow and normalizes it.
//
// Accepted element forms:
//   - ["operator", "operand"] (legacy pair)
//   - {"operator": "...", "operand": ..., "negated": bool}
//
// Operands may be strings or numbers; a list operand (pm-with) is joined
// with commas. An empty payload, null, [] and the legacy {} all mean no
// narrow.
func Parse(data []byte) (Narrow, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return Normalize(raw)
}

func decodeRaw(data []byte) ([]RawTerm, error) {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "", "null", "[]", "{}":
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &MalformedError{Reason: "expected a list of terms"}
	}

	terms := make([]RawTerm, 0, len(elems))
	for i, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 {
			return nil, &MalformedError{Reason: fmt.Sprintf("element %d is empty", i)}
		}
		var (
			t   RawTerm
			err error
		)
		switch elem[0] {
		case '[':
			t, err = decodePair(elem)
		case '{':
			t, err = decodeObject(elem)
		default:
			err = fmt.Errorf("element %d is not a list or object", i)
		}
		if err != nil {
			return nil, &MalformedError{Reason: err.Error()}
		}
		terms = append(terms, t)
	}
	return terms, nil
}

func decodePair(elem json.RawMessage) (RawTerm, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(elem, &pair); err != nil || len(pair) != 2 {
		return RawTerm{}, fmt.Errorf("legacy term must be [operator, operand]")
	}
	var op string
	if err := json.Unmarshal(pair[0], &op); err != nil {
		return RawTerm{}, fmt.Errorf("operator must be a string")
	}
	operand, err := decodeOperand(pair[1])
	if err != nil {
		return RawTerm{}, err
	}
	return RawTerm{Operator: op, Operand: operand}, nil
}

func decodeObject(elem json.RawMessage) (RawTerm, error) {
	var obj struct {
		Operator *string        `json:"operator"`
		Operand  json.RawMessage `json:"operand"`
		Negated  bool            `json:"negated"`
	}
	if err := json.Unmarshal(elem, &obj); err != nil {
		return RawTerm{}, fmt.Errorf("invalid term object: %v", err)
	}
	if obj.Operator == nil {
		return RawTerm{}, fmt.Errorf("term is missing 'operator'")
	}
	if obj.Operand == nil {
		return RawTerm{}, fmt.Errorf("term is missing 'operand'")
	}
	operand, err := decodeOperand(obj.Operand)
	if err != nil {
		return RawTerm{}, err
	}
	return RawTerm{Operator: *obj.Operator, Operand: operand, Negated: obj.Negated}, nil
}

func decodeOperand(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid operand")
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			switch iv := item.(type) {
			case string:
				parts[i] = iv
			case json.Number:
				parts[i] = iv.String()
			default:
				return "", fmt.Errorf("operand list items must be strings or numbers")
			}
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("operand must be a string or number")
	}
}
