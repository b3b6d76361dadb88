package sharding

import "github.com/pkg/errors"

// Validation failures are returned wrapped around one of these sentinels, so
// callers can branch on the kind with errors.Is while the message carries the
// details.
var (
	// ErrRankMismatch is returned when a tiled spec's grid has a different
	// number of axes than the array being sharded.
	ErrRankMismatch = errors.New("sharding rank mismatch")

	// ErrDeviceCountMismatch is returned when the device list length differs
	// from the number of devices the spec requires.
	ErrDeviceCountMismatch = errors.New("sharding device count mismatch")

	// ErrInvalidDeviceList is returned when the device list is empty, has
	// duplicates, or refers to devices the backend does not have.
	ErrInvalidDeviceList = errors.New("invalid device list")
)
