// Package synxpoerr defines the error taxonomy shared by the server and
// client halves of SynXpo (spec §7). Storage and MetadataStore never panic
// or return opaque errors across their API boundary; callers switch on
// these sentinels with errors.Is / errors.As.
package synxpoerr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("synxpo: not found")
	ErrDenied    = errors.New("synxpo: denied")
	ErrBlocked   = errors.New("synxpo: blocked")
	ErrTimeout   = errors.New("synxpo: timeout")
	ErrCancelled = errors.New("synxpo: cancelled")
	ErrInternal  = errors.New("synxpo: internal error")
)

// NotFoundKind distinguishes what was missing, so callers can log or
// translate to the right wire ERROR code without string matching.
type NotFoundKind string

const (
	KindDirectory NotFoundKind = "directory"
	KindFile      NotFoundKind = "file"
	KindBlob      NotFoundKind = "blob"
)

// NotFoundError carries the identifiers of the missing resource.
type NotFoundError struct {
	Kind NotFoundKind
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("synxpo: %s not found", e.Kind)
	}
	return fmt.Sprintf("synxpo: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func NewNotFound(kind NotFoundKind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InternalError wraps an unexpected condition (missing pending upload for
// FILE_WRITE, corrupt metadata blob) that should be logged but must not
// abort the owning session.
type InternalError struct {
	Reason string
	Cause  error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("synxpo: internal error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("synxpo: internal error: %s", e.Reason)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

func NewInternal(reason string, cause error) error {
	return &InternalError{Reason: reason, Cause: cause}
}
