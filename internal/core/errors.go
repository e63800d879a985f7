package core

import (
	"errors"
	"fmt"
)

// ErrNoScripts means no marking script was configured.
var ErrNoScripts = errors.New("no marking scripts configured")

// ScriptError reports a script file that cannot be used.
type ScriptError struct {
	Script string
	Cause  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %v", e.Script, e.Cause)
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}
