package tools

import (
	"errors"
	"fmt"
)

// ErrMissingParam is wrapped by handlers when a required parameter is
// absent or empty.
var ErrMissingParam = errors.New("missing required parameter")

// UnknownToolError is returned when a call names a tool that is not in
// the registry.
type UnknownToolError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.Name)
}
