// Package errors defines sentinel errors used across the storage node.
package errors

import "errors"

// Sentinel errors for object operations.
var (
	// ErrObjectNotFound indicates that the requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrStoreClosed indicates the object store has been closed.
	ErrStoreClosed = errors.New("object store is closed")

	// ErrTokenMismatch indicates a caller used a token width different from the store's.
	ErrTokenMismatch = errors.New("bits per token does not match store layout")
)

// Sentinel errors for token migration.
var (
	// ErrSnapshotUnavailable indicates the local store could not produce a
	// point-in-time view (busy or closing).
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")

	// ErrTransportFailure indicates a migration message could not be sent or
	// was rejected by the peer.
	ErrTransportFailure = errors.New("transport failure")

	// ErrSequenceTimeout indicates a delta-set sequence made no progress
	// before its deadline. It is reported like a transport failure.
	ErrSequenceTimeout = errors.New("delta set sequence timed out")

	// ErrInvalidStateTransition indicates an operation is not valid in the
	// current migration state.
	ErrInvalidStateTransition = errors.New("invalid migration state transition")

	// ErrDuplicateCampaign indicates a migration campaign is already running
	// or the previous one was aborted and not yet reset.
	ErrDuplicateCampaign = errors.New("migration campaign already active")

	// ErrAborted indicates the campaign was aborted.
	ErrAborted = errors.New("migration aborted")

	// ErrUnknownExecutor indicates a message referenced an executor or client
	// this node does not know about.
	ErrUnknownExecutor = errors.New("unknown migration executor")
)

// Sentinel errors for connection/protocol.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidArgs indicates wrong number of arguments.
	ErrInvalidArgs = errors.New("wrong number of arguments")
)
