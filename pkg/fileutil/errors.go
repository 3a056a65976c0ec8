package fileutil

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/rohmanhakim/harvester/pkg/failure"
)

type FileErrorCause string

const (
	ErrCausePathError   FileErrorCause = "path error"
	ErrCauseInvalidName FileErrorCause = "invalid name"
	ErrCauseDiskFull    FileErrorCause = "disk is full"
	ErrCauseWriteFailed FileErrorCause = "write failed"
)

type FileError struct {
	Path      string
	Retryable bool
	Cause     FileErrorCause
	Err       error
}

func (e *FileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("file error: %s: %s", e.Cause, e.Path)
	}
	return fmt.Sprintf("file error: %s: %s: %v", e.Cause, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func (e *FileError) IsRetryable() bool {
	return e.Retryable
}

func (e *FileError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// classify turns an os error into a FileError. A full disk may clear up, so
// it is the only retryable cause.
func classify(path string, cause FileErrorCause, err error) *FileError {
	if errors.Is(err, syscall.ENOSPC) {
		return &FileError{Path: path, Retryable: true, Cause: ErrCauseDiskFull, Err: err}
	}
	return &FileError{Path: path, Cause: cause, Err: err}
}
