package repository

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrSnapshotNotFound is returned when removing a snapshot the ledger
	// does not contain.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrUnknownIndex is returned when asking for the snapshots of an index
	// the ledger does not contain.
	ErrUnknownIndex = errors.New("unknown snapshot index")
	// ErrRepositoryNotFound is returned for a repository name with no configuration.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrTooManyConflicts is returned when a write keeps losing the
	// generation race.
	ErrTooManyConflicts = errors.New("too many concurrent modifications")
	// ErrInvalidName is returned for snapshot or index names that cannot be
	// stored in a ledger document.
	ErrInvalidName = errors.New("invalid name")
	// ErrDuplicateIndex is returned when one index name would map to two ids.
	ErrDuplicateIndex = errors.New("index name maps to more than one id")
	// ErrIncompleteWrite is returned when a generation was published but the
	// incompatible snapshot list that belongs to it could not be written.
	ErrIncompleteWrite = errors.New("generation published, incompatible snapshots not written")
)

// ValidateName rejects names that do not survive a ledger document round
// trip: empty names and names that are not valid UTF-8.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	}
	return nil
}

// ParseError reports a malformed ledger document. It indicates a corrupt
// repository and is never retried.
type ParseError struct {
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "parse repository data: " + e.Msg
	}
	return fmt.Sprintf("parse repository data: %s [%s]", e.Msg, e.Field)
}

// InvariantError reports ledger state that correct callers can never produce.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "repository data invariant violated: " + e.Msg
}
