package fluid

import "github.com/pkg/errors"

var (
	// ErrEmptyDatabase is returned when the largest occupied level is asked
	// of a tree with no files on any level.
	ErrEmptyDatabase = errors.New("database is empty")

	// ErrConfigMissing is returned when fluid_config.json is absent or
	// unreadable. Callers recover by falling back to defaults.
	ErrConfigMissing = errors.New("fluid config missing or unreadable")

	// ErrTooManyWriteFailures aborts a load or write phase once failures
	// exceed the tolerated fraction of planned writes.
	ErrTooManyWriteFailures = errors.New("write failure rate exceeded threshold")

	// ErrKeyFileShort is returned when a key file holds fewer keys than the
	// requested window.
	ErrKeyFileShort = errors.New("key file shorter than requested window")
)
