package gbfs

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; concrete error values
// wrap one of these sentinels together with call-site context.
var (
	// ErrValidation reports missing or empty required input.
	ErrValidation = errors.New("validation error")

	// ErrAlreadyExists reports an upload whose (bucket, name) is taken.
	// It is a validation error.
	ErrAlreadyExists = fmt.Errorf("%w: file already exists", ErrValidation)

	// ErrNotFound reports that no manifest or bucket matched.
	ErrNotFound = errors.New("not found")

	// ErrAuthentication reports an AEAD tag mismatch or a malformed
	// iv/ciphertext pair.
	ErrAuthentication = errors.New("authentication failure")

	// ErrCorruptFile reports a chunk set that cannot be reassembled:
	// index gaps, duplicates, wrong chunk lengths or a bad manifest.
	ErrCorruptFile = errors.New("corrupt file")

	// ErrIntegrityCheckFailed reports a reassembled file whose digest or
	// size does not match its manifest. It is a corrupt file error.
	ErrIntegrityCheckFailed = fmt.Errorf("%w: integrity check failed", ErrCorruptFile)

	// ErrStore reports an opaque failure from the entity store.
	ErrStore = errors.New("store error")

	// ErrNotInitialized reports a client used before setup or a missing
	// credential.
	ErrNotInitialized = errors.New("not initialized")

	// ErrPartialUpload reports an upload that wrote some but not all of
	// its records.
	ErrPartialUpload = errors.New("partial upload")

	// ErrPartialDelete reports a multi-record delete that may have
	// removed only some of its records.
	ErrPartialDelete = errors.New("partial delete")
)

// StoreError wraps a failure returned by the entity store.
// errors.Is(err, ErrStore) holds for every StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// PartialUploadError is returned when an upload fails after at least one
// chunk record may have been written. Staged is the number of chunk
// records that were written before the failure; CleanupErr is set when the
// best-effort removal of those records also failed, in which case orphaned
// chunks remain in the store.
type PartialUploadError struct {
	BucketID   string
	Name       string
	Staged     int
	Err        error
	CleanupErr error
}

func (e *PartialUploadError) Error() string {
	msg := fmt.Sprintf("partial upload of %s/%s (%d chunk(s) staged): %v", e.BucketID, e.Name, e.Staged, e.Err)
	if e.CleanupErr != nil {
		msg += fmt.Sprintf("; cleanup failed: %v", e.CleanupErr)
	}
	return msg
}

func (e *PartialUploadError) Unwrap() []error {
	errs := []error{ErrPartialUpload, e.Err}
	if e.CleanupErr != nil {
		errs = append(errs, e.CleanupErr)
	}
	return errs
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
