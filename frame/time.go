package frame

import "time"

// unixSeconds converts a wire-format u32 seconds-since-epoch value
// back into a time.Time. Per spec §4.1 the field wraps in 2106;
// receivers treat it as relative and make no attempt to disambiguate
// the wraparound.
func unixSeconds(sec uint32) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
