package tools

import (
	"errors"
	"fmt"
)

var ErrUnknownTool = errors.New("unknown tool")

// UnknownToolError names the tool the model asked for.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Tool '%s' not found", e.Name)
}

func (e *UnknownToolError) Unwrap() error { return ErrUnknownTool }
