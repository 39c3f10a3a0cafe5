package engine

import "github.com/corvusmedia/hlsfetch/internal/playlist"

// SegmentStatus is the per-segment download state.
type SegmentStatus string

const (
	SegmentPending     SegmentStatus = "pending"
	SegmentDownloading SegmentStatus = "downloading"
	SegmentCompleted   SegmentStatus = "completed"
	SegmentFailed      SegmentStatus = "failed"
)

// SegmentRecord tracks one in-range segment through its download.
type SegmentRecord struct {
	// Index is 0-based and dense across the in-range segment list.
	Index int
	// OriginalPosition is the segment's position in the unfiltered
	// playlist; the implicit AES-128 IV is derived from media sequence
	// plus this value, not from Index.
	OriginalPosition int

	URL      string
	Duration float64
	KeyURI   string
	IV       []byte
	Method   playlist.Method

	Status  SegmentStatus
	Size    int64
	Retries int
	Error   string
}
