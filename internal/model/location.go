package model

import "time"

// LocationSample is a single position fix captured by a sharing device.
// Immutable once captured. Timestamp is sensor wall time in milliseconds
// since epoch.
type LocationSample struct {
	UserID    string   `json:"userId" validate:"required"`
	GroupID   string   `json:"groupId" validate:"required"`
	Lat       float64  `json:"lat" validate:"latitude"`
	Lng       float64  `json:"lng" validate:"longitude"`
	Heading   *float64 `json:"heading"`
	Accuracy  *float64 `json:"accuracy"`
	Timestamp int64    `json:"timestamp"`
}

// Time returns the sample timestamp as a time.Time.
func (s LocationSample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// NewerThan reports whether this sample carries a fresher timestamp than
// other. Used by the aggregator merge step so a stale poll response cannot
// overwrite a fresher push update.
func (s LocationSample) NewerThan(other *LocationSample) bool {
	if other == nil {
		return true
	}
	return s.Timestamp > other.Timestamp
}
