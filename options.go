package hlsfetch

import "github.com/corvusmedia/hlsfetch/internal/engine"

// OutputFormat selects the final container a task produces.
type OutputFormat = engine.OutputFormat

const (
	FormatTS  = engine.FormatTS
	FormatMP4 = engine.FormatMP4
)

// CreateTaskOptions describes a download to create. URL is the only
// required field; everything else has a documented default.
type CreateTaskOptions struct {
	// ID, if non-empty, is used as the task's identifier instead of a
	// generated UUIDv4. Creating a task with an ID already in the registry
	// fails.
	ID             string
	URL            string
	Title          string
	OutputFormat   OutputFormat
	StartSegment   int
	EndSegment     int
	// BufferInMemory disables the default streaming-to-disk write path and
	// instead holds every segment in memory until the download finishes.
	// Zero value (false) keeps the documented default of streaming to disk.
	BufferInMemory bool
	// NoDecrypt disables AES-128 decryption, leaving segments encrypted on
	// disk. Zero value (false) keeps the documented default of decrypting.
	NoDecrypt      bool
	MaxRetries     int
	Headers        map[string]string
	MaxBytesPerSec int64
}

func (o CreateTaskOptions) toEngineOptions() engine.Options {
	base := engine.DefaultOptions()
	base.URL = o.URL
	base.Title = o.Title
	if o.OutputFormat != "" {
		base.OutputFormat = o.OutputFormat
	}
	base.StartSegment = o.StartSegment
	base.EndSegment = o.EndSegment
	base.StreamToDisk = !o.BufferInMemory
	base.Decrypt = !o.NoDecrypt
	if o.MaxRetries > 0 {
		base.MaxRetries = o.MaxRetries
	}
	base.Headers = o.Headers
	base.MaxBytesPerSec = o.MaxBytesPerSec
	return base
}

// Snapshot is a point-in-time, immutable view of a task's state.
type Snapshot = engine.Snapshot

// SegmentSnapshot is the read-only view of one segment's download state.
type SegmentSnapshot = engine.SegmentSnapshot

// State is a task's position in the download lifecycle.
type State = engine.State

const (
	StateReady       = engine.StateReady
	StatePreparing   = engine.StatePreparing
	StateDownloading = engine.StateDownloading
	StatePaused      = engine.StatePaused
	StateCompleted   = engine.StateCompleted
	StateError       = engine.StateError
	StateStopped     = engine.StateStopped
	StateForced      = engine.StateForced
)
