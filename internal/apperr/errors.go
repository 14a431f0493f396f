// Package apperr defines the error taxonomy shared by the offline core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record, operation or conflict does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when a component is used after Dispose/Close.
	ErrClosed = errors.New("component is closed")

	// ErrNotInitialized is returned when the manager is used before Initialize.
	ErrNotInitialized = errors.New("not initialized")

	// ErrInvalidTable is returned for table names that are not plain identifiers.
	ErrInvalidTable = errors.New("invalid table name")

	// ErrAlreadyResolved is returned when resolving a conflict that is settled.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// StorageError is an I/O or encryption failure in the local store or key/value store.
type StorageError struct {
	Op    string
	Path  string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s [%s]: %v", e.Op, e.Path, e.Cause)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError wraps cause as a StorageError. A nil cause yields nil.
func NewStorageError(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Cause: cause}
}

// NetworkValidationError is a failed or timed out reachability probe.
// It is never fatal; it only degrades the quality estimate.
type NetworkValidationError struct {
	URL   string
	Cause error
}

func (e *NetworkValidationError) Error() string {
	return fmt.Sprintf("network validation %s: %v", e.URL, e.Cause)
}

func (e *NetworkValidationError) Unwrap() error { return e.Cause }

// SyncTransientError is a retryable failure talking to the remote authority.
type SyncTransientError struct {
	OperationID string
	StatusCode  int
	Cause       error
}

func (e *SyncTransientError) Error() string {
	switch {
	case e.OperationID != "" && e.StatusCode != 0:
		return fmt.Sprintf("transient sync failure for %s (status %d): %v", e.OperationID, e.StatusCode, e.Cause)
	case e.OperationID != "":
		return fmt.Sprintf("transient sync failure for %s: %v", e.OperationID, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("transient sync failure (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("transient sync failure: %v", e.Cause)
}

func (e *SyncTransientError) Unwrap() error { return e.Cause }

// SyncConflictError reports that an operation produced a conflict that needs resolution.
type SyncConflictError struct {
	ConflictID  string
	OperationID string
	Table       string
	RecordID    string
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync conflict %s on %s/%s (operation %s)", e.ConflictID, e.Table, e.RecordID, e.OperationID)
}

// SyncPermanentError is a failure that will not succeed on retry. The operation
// is parked in the dead-letter namespace.
type SyncPermanentError struct {
	OperationID string
	Reason      string
	Cause       error
}

func (e *SyncPermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent sync failure for %s: %s: %v", e.OperationID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("permanent sync failure for %s: %s", e.OperationID, e.Reason)
}

func (e *SyncPermanentError) Unwrap() error { return e.Cause }

// ConfigurationError is an invalid configuration, rejected before it is applied.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err is (or wraps) a SyncTransientError.
func IsTransient(err error) bool {
	var t *SyncTransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is (or wraps) a SyncPermanentError.
func IsPermanent(err error) bool {
	var p *SyncPermanentError
	return errors.As(err, &p)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
