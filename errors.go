package hlsfetch

import "errors"

// ErrNotFound is returned by Manager methods when the given task ID is not
// in the registry.
var ErrNotFound = errors.New("task not found")

// ErrOutOfRange is returned by RetrySegment when the segment index is not
// valid for the task's current playlist.
var ErrOutOfRange = errors.New("segment index out of range")
