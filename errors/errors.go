// Package errors provides structured error types for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	// KindProtocol marks a malformed request: unknown entity type, ack for a
	// type never streamed, over-cap batch. Never retryable.
	KindProtocol Kind = "PROTOCOL"

	// KindCursorInvalid marks a cursor the server can no longer honor, e.g.
	// one older than the tombstone retention horizon. The client must reset
	// the affected types; the server never silently downgrades to a full scan.
	KindCursorInvalid Kind = "CURSOR_INVALID"

	// KindStorageUnavailable marks a transient storage failure. Retryable by
	// the caller with backoff.
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"

	// KindInternal is the fallback classification.
	KindInternal Kind = "INTERNAL"
)

// Op identifies the operation during which the error occurred,
// e.g. "sqlite.AckBatch" or "stream.Open".
type Op string

// Component identifies the subsystem that produced the error,
// e.g. "storage/sqlite" or "stream".
type Component string

// SyncError is the structured error carried through the engine.
type SyncError struct {
	Op        Op
	Component Component
	Kind      Kind
	Retryable bool
	Err       error

	// Metadata carries additional context, e.g. the offending entity type.
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	msg := string(e.Op)
	if msg == "" {
		msg = "sync"
	}
	if e.Component != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Component)
	}
	if e.Kind != "" && e.Kind != KindInternal {
		msg = fmt.Sprintf("%s [%s]", msg, e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// E builds a SyncError from its arguments. Recognized argument types are Op,
// Component, Kind, error and string (used as a message). Later arguments of
// the same type override earlier ones.
func E(args ...interface{}) error {
	e := &SyncError{Kind: KindInternal}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *SyncError:
			e.Err = a
			// Inherit classification from the wrapped error unless already set.
			if e.Kind == KindInternal {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		default:
			e.Err = fmt.Errorf("unknown argument %v of type %T", a, a)
		}
	}
	e.Retryable = e.Kind == KindStorageUnavailable
	return e
}

// KindOf reports the Kind of err, unwrapping as needed.
// Errors that are not SyncErrors classify as KindInternal.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsCursorInvalid reports whether err demands a Reset of the affected types.
func IsCursorInvalid(err error) bool { return KindOf(err) == KindCursorInvalid }

// IsProtocol reports whether err is a request-shape violation.
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }

// WithMetadata attaches a key/value pair to a SyncError, allocating the
// metadata map on first use. Non-SyncErrors are returned unchanged.
func WithMetadata(err error, key string, value interface{}) error {
	var se *SyncError
	if !errors.As(err, &se) {
		return err
	}
	if se.Metadata == nil {
		se.Metadata = make(map[string]interface{})
	}
	se.Metadata[key] = value
	return err
}
