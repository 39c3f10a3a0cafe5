package engine

import "time"

// SegmentSnapshot is the read-only view of a SegmentRecord exposed outside
// the engine.
type SegmentSnapshot struct {
	Index    int
	URL      string
	Duration float64
	Status   SegmentStatus
	Size     int64
	Retries  int
	Error    string
}

// Snapshot is a point-in-time, immutable copy of a Task's externally
// visible state — the "Task snapshot" of the command surface.
type Snapshot struct {
	ID             string
	Title          string
	OutputFormat   OutputFormat
	StartSegment   int
	EndSegment     int
	StreamToDisk   bool
	Decrypt        bool
	Status         State
	Message        string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	Segments       []SegmentSnapshot
	TotalSegments  int
	Downloaded     int
	Progress       float64
	TotalBytes     int64
	SpeedBps       float64
	ETASeconds     *float64
	OutputPath     string
	FFmpegMissing  bool
}
