package types

import "errors"

// Error taxonomy. VersionConflict signals "retry with fresh state", not
// corruption; StorageUnavailable is fatal for the request and always
// propagates unmodified.
var (
	// ErrVersionConflict means a concurrent writer won the race on a trail's
	// version. The caller re-reads and retries; the engine never retries
	// silently.
	ErrVersionConflict = errors.New("trail version conflict")

	// ErrStorageUnavailable means durability cannot be guaranteed. The request
	// fails outright rather than returning an unpersisted result.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTimeout means a caller-imposed deadline expired before commit. No
	// partial step is ever committed from a timed-out request.
	ErrTimeout = errors.New("request deadline exceeded")

	// ErrMergePending means a merge still has unresolved conflicts.
	ErrMergePending = errors.New("merge has unresolved conflicts")

	// ErrTrailNotFound means the referenced trail does not exist.
	ErrTrailNotFound = errors.New("trail not found")

	// ErrMergeNotFound means the referenced merge record does not exist.
	ErrMergeNotFound = errors.New("merge not found")

	// ErrUnknownStrategy means the merge strategy name is not in the closed set.
	ErrUnknownStrategy = errors.New("unknown merge strategy")
)
