package markup

import (
	"errors"
	"fmt"
)

// ErrMalformedMarkup is matched by every MalformedMarkupError.
var ErrMalformedMarkup = errors.New("malformed markup")

// MalformedMarkupError reports invalid input together with the byte offset of the
// offending construct.
type MalformedMarkupError struct {
	Offset int
	Reason string
}

func (e *MalformedMarkupError) Error() string {
	return fmt.Sprintf("malformed markup at byte %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrMalformedMarkup) hold.
func (e *MalformedMarkupError) Is(target error) bool {
	return target == ErrMalformedMarkup
}
