package domain

import "time"

// UsageLog captures per-job accounting for async conversions.
type UsageLog struct {
	JobID         string
	SourceBytes   int64
	OutputBytes   int64
	ComputeTimeMS int64
	CreatedAt     time.Time
}
