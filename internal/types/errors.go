package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so per-file and per-item results
// can carry a machine-readable reason instead of a bare message.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindTransform         ErrorKind = "transform"
	KindSubmission        ErrorKind = "submission"
	KindDuplicateCallback ErrorKind = "duplicate_callback"
	KindInvalidCallback   ErrorKind = "invalid_callback"
	KindStorage           ErrorKind = "storage"
	KindNotFound          ErrorKind = "not_found"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrFileTooLarge      = errors.New("file exceeds maximum size")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateCallback = errors.New("callback already processed")
)

// PipelineError wraps an underlying error with its kind and the pipeline
// stage that produced it.
type PipelineError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func NewPipelineError(kind ErrorKind, stage string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the error kind carried by err, defaulting to storage for
// unclassified failures.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrFileTooLarge):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateCallback):
		return KindDuplicateCallback
	}
	return KindStorage
}
