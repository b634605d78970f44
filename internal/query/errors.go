package query

import (
	"errors"
)

// BadRequestError reports invalid fetch parameters.
type BadRequestError struct {
	Detail string
}

func (e *BadRequestError) Error() string { return "bad request: " + e.Detail }

// Kind identifies the error class for structured responses.
func (e *BadRequestError) Kind() string { return "bad_request" }

// Failure is the structured error payload returned to clients.
type Failure struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type kinded interface {
	error
	Kind() string
}

// FailureFrom converts err into a client payload. Errors that do not carry
// a kind are reported as internal without their message.
func FailureFrom(err error) Failure {
	var k kinded
	if errors.As(err, &k) {
		return Failure{Kind: k.Kind(), Detail: k.Error()}
	}
	return Failure{Kind: "internal", Detail: "internal error"}
}
