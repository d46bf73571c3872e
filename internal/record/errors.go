package record

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for the ceremony ID.
	ErrNotFound = errors.New("record: ceremony not found")
	// ErrCorruptRecord indicates the record violates the frontmatter grammar.
	// The ceremony is frozen until repaired or replayed against a backup.
	ErrCorruptRecord = errors.New("record: corrupt record")
	// ErrOwnershipViolation indicates a worker tried to write a result for a
	// task it does not currently own. The write is rejected without mutating
	// any state.
	ErrOwnershipViolation = errors.New("record: ownership violation")
	// ErrResultMissing is returned when a task has no result section yet.
	ErrResultMissing = errors.New("record: result section missing")
)

// CorruptError names the offending section so callers can repair the record
// instead of guessing from a generic parse failure.
type CorruptError struct {
	Section string
	Detail  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("record: corrupt record in %s: %s", e.Section, e.Detail)
}

// Is makes errors.Is(err, ErrCorruptRecord) hold for every CorruptError.
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorruptRecord
}

func corrupt(section, format string, args ...any) error {
	return &CorruptError{Section: section, Detail: fmt.Sprintf(format, args...)}
}
