package nano

import "time"

//=============================================================================

// UnixNano is a Unix timestamp in nanoseconds.
// It provided more efficient basic time operations.
type UnixNano int64

// Sub returns the difference between two unix times.
func (t UnixNano) Sub(other UnixNano) time.Duration {
	return time.Duration(t - other)
}

// ToTime converts t to a time.Time in the local monotonic-stripped form
// produced by time.Unix, suitable for gopacket.CaptureInfo.Timestamp.
func (t UnixNano) ToTime() time.Time {
	return time.Unix(0, int64(t))
}

// FromTime converts tm to a UnixNano.
func FromTime(tm time.Time) UnixNano {
	return UnixNano(tm.UnixNano())
}
