package invoice

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned when an account id does not resolve.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRecordNotFound is returned when a record id does not resolve.
	ErrRecordNotFound = errors.New("record not found")
	// ErrApprovalNotFound is returned when a record has no approval entity.
	ErrApprovalNotFound = errors.New("approval not found")
)

// QuotaExceededError reports a reserve attempt against an exhausted limit.
// The account state is unchanged when this is returned.
type QuotaExceededError struct {
	AccountID string
	Kind      QuotaKind
	Used      int
	Limit     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for account %s: %d of %d used", e.Kind, e.AccountID, e.Used, e.Limit)
}

// StorageError wraps a storage gateway failure, classified as transient
// (retryable by the caller) or permanent.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("storage %s failed (%s): %v", e.Op, class, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError wraps a record store failure. Callers may retry; the
// engine never swallows one since it risks an orphaned stored blob.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InvalidTransitionError reports a workflow transition that the state
// machine does not permit. It is surfaced, never retried.
type InvalidTransitionError struct {
	RecordID string
	From     Status
	Attempt  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q for record %s in status %q", e.Attempt, e.RecordID, e.From)
}
