package merge

import (
	"errors"
	"fmt"
)

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("merge conflict")

// ConflictError reports a column that cannot be folded into the tree: a path
// used both as object and scalar, a sequence key colliding with another node
// kind, or a malformed key.
type ConflictError struct {
	Key     string
	Segment string
	Reason  string
}

func (e *ConflictError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("merge conflict: key %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("merge conflict: key %q at %q: %s", e.Key, e.Segment, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
