package storage

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/pkg/failure"
	"github.com/rohmanhakim/harvester/pkg/fileutil"
)

type StorageErrorCause string

const (
	ErrCauseDiskFull      StorageErrorCause = "disk is full"
	ErrCauseWriteFailure  StorageErrorCause = "write failed"
	ErrCausePathError     StorageErrorCause = "path error"
	ErrCauseInvalidName   StorageErrorCause = "invalid resource name"
	ErrCauseDuplicateName StorageErrorCause = "duplicate resource name"
	ErrCauseBundleClosed  StorageErrorCause = "bundle already closed"
	ErrCauseForeignHandle StorageErrorCause = "handle not opened by this sink"
	ErrCauseBundleExists  StorageErrorCause = "bundle already committed"
)

type StorageError struct {
	Message   string
	Retryable bool
	Cause     StorageErrorCause
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storage error: %s", e.Cause)
	}
	return fmt.Sprintf("storage error: %s: %s", e.Cause, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) IsRetryable() bool {
	return e.Retryable
}

func (e *StorageError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// fromFileError lifts a pkg/fileutil error into the storage vocabulary.
func fromFileError(path string, err error) *StorageError {
	var fileErr *fileutil.FileError
	if !errors.As(err, &fileErr) {
		return &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Path: path, Err: err}
	}

	cause := ErrCauseWriteFailure
	switch fileErr.Cause {
	case fileutil.ErrCauseDiskFull:
		cause = ErrCauseDiskFull
	case fileutil.ErrCausePathError:
		cause = ErrCausePathError
	case fileutil.ErrCauseInvalidName:
		cause = ErrCauseInvalidName
	}
	return &StorageError{
		Message:   err.Error(),
		Retryable: fileErr.Retryable,
		Cause:     cause,
		Path:      path,
		Err:       err,
	}
}

func writeFailure(path string, err error) *StorageError {
	if errors.Is(err, syscall.ENOSPC) {
		return &StorageError{Message: err.Error(), Retryable: true, Cause: ErrCauseDiskFull, Path: path, Err: err}
	}
	return &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Path: path, Err: err}
}

// mapStorageErrorToMetadataCause maps storage-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapStorageErrorToMetadataCause(err *StorageError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseDiskFull, ErrCauseWriteFailure, ErrCausePathError:
		return metadata.CauseStorageFailure
	case ErrCauseInvalidName, ErrCauseDuplicateName, ErrCauseBundleClosed, ErrCauseForeignHandle, ErrCauseBundleExists:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
