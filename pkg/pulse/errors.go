package pulse

import (
	"errors"
	"fmt"
)

// ErrComputedWrite is returned when a computed value is written directly.
// Only Recompute may change a computed value.
var ErrComputedWrite = errors.New("pulse: computed values cannot be set directly")

// TypeMismatchError is returned by SetAny when the value does not match the
// state's Go type or declared Kind. The state is left unchanged.
type TypeMismatchError struct {
	State    string
	Expected string
	Got      string
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("pulse: type mismatch on %q: expected %s, got %s", e.State, e.Expected, e.Got)
}
