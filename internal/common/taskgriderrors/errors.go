// Package taskgriderrors contains generic typed errors shared across taskgrid components.
//
// If multiple errors occur in some function (e.g., several invalid configuration values),
// that function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package taskgriderrors

import (
	"fmt"
)

// ErrInvalidArgument indicates that some argument or configuration value is out of its allowed range.
type ErrInvalidArgument struct {
	// Name of the offending argument, e.g., "maxFailuresPerExecutor".
	Name string
	// The value of the argument.
	Value interface{}
	// An optional message to include in the error message.
	Message string
}

func (err *ErrInvalidArgument) Error() (s string) {
	s = fmt.Sprintf("value %v of argument %s is invalid", err.Value, err.Name)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrNotFound indicates that some resource could not be found.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "executor".
	Value   string // Resource id.
	Message string // An optional message to include in the error message.
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}
