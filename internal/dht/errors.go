package dht

import "errors"

var (
	// ErrNotFound means no local record or peer satisfied the query.
	ErrNotFound = errors.New("not found")

	// ErrValidationFailed means the validator rejected a record.
	ErrValidationFailed = errors.New("record validation failed")

	// ErrTimeout means a per-hop request or session deadline expired.
	ErrTimeout = errors.New("timed out")

	// ErrUnreachable means the peer could not be dialed.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrWireError means a message could not be decoded.
	ErrWireError = errors.New("wire decode error")

	// ErrCancelled means the lookup was cancelled by its owner.
	ErrCancelled = errors.New("cancelled")

	// ErrNotStarted means the DHT has not been started yet.
	ErrNotStarted = errors.New("not started")

	// ErrBucketFull means the target bucket refused an insert.
	ErrBucketFull = errors.New("bucket full")
)
