package domain

import "time"

// CaptureEvent announces a group of artifacts written in one run.
type CaptureEvent struct {
	SourceID   string     `json:"source_id"`
	Kind       EntityKind `json:"kind"`
	Keys       []string   `json:"keys"`
	CapturedAt time.Time  `json:"captured_at"`
}
