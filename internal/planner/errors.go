package planner

import (
	"errors"
	"fmt"
)

var (
	// ErrChunkTooLarge is matched by every ChunkTooLargeError.
	ErrChunkTooLarge = errors.New("chunk too large")
	// ErrEmptyDocument is returned when a document carries nothing to speak.
	ErrEmptyDocument = errors.New("document has no spoken content")
	// ErrInvalidOptions is returned for a non-positive size ceiling or base rate.
	ErrInvalidOptions = errors.New("invalid planner options")
)

// ChunkTooLargeError reports an indivisible unit whose smallest request payload
// exceeds the ceiling. The script has to be edited; the planner never truncates.
type ChunkTooLargeError struct {
	Offset  int
	Size    int
	Limit   int
	Excerpt string
}

func (e *ChunkTooLargeError) Error() string {
	return fmt.Sprintf(
		"unit at byte %d needs %d bytes, limit is %d: %q",
		e.Offset, e.Size, e.Limit, e.Excerpt,
	)
}

// Is makes errors.Is(err, ErrChunkTooLarge) hold.
func (e *ChunkTooLargeError) Is(target error) bool {
	return target == ErrChunkTooLarge
}
