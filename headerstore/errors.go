package headerstore

import "errors"

// Error kinds, classified by cause rather than by implementation (see
// SPEC_FULL.md §7): config/input errors surface immediately, consistency
// errors are fatal for the current loop iteration, storage errors may be
// fatal to the process.
var (
	// ErrAlreadyInitialized is returned by InitializeWith when the store
	// already has a base height set.
	ErrAlreadyInitialized = errors.New("headerstore: already initialized")

	// ErrNotInitialized is returned by operations that require a base
	// height to already be set.
	ErrNotInitialized = errors.New("headerstore: not initialized")

	// ErrNoInput is returned by AppendHeaders when given an empty slice.
	ErrNoInput = errors.New("headerstore: no headers given")

	// ErrDiscontinuous is returned when a header being appended does not
	// chain from the current tip.
	ErrDiscontinuous = errors.New("headerstore: header does not chain from tip")

	// ErrHeightOutOfRange is returned when a requested height falls
	// outside [base, tip].
	ErrHeightOutOfRange = errors.New("headerstore: height out of range")

	// ErrRollbackTargetOutOfRange is returned when rollback_to is given a
	// height outside [base, tip].
	ErrRollbackTargetOutOfRange = errors.New("headerstore: rollback target out of range")

	// ErrStorageTipNotAhead is returned by
	// GenerateSpvClientAndUpdate when the storage tip is not ahead of the
	// height being updated from.
	ErrStorageTipNotAhead = errors.New("headerstore: storage tip is not ahead of requested height")
)
