package ledger

import (
	"errors"
	"fmt"
)

// ErrAppendConflict is returned when every append attempt lost the race for the next index.
var ErrAppendConflict = errors.New("append conflict: next index taken by another writer")

// IntegrityError describes the first block that failed verification.
type IntegrityError struct {
	Index  int64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violated at block %d: %s", e.Index, e.Reason)
}

func NewIntegrityError(index int64, reason string) *IntegrityError {
	return &IntegrityError{
		Index:  index,
		Reason: reason,
	}
}

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
