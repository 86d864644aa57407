package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamps arrive from workers in whatever shape the platform adapter
// scraped: epoch seconds, epoch milliseconds, ISO-8601 with a zone, or a
// bare wall-clock string in the platform's own zone. Everything is converted
// to epoch milliseconds UTC here, before an entity ever enters the store.
// No other code path may interpret a raw timestamp.

// Values below this are treated as epoch seconds, at or above as epoch
// milliseconds. The boundary (~Nov 2286 in seconds, ~1973 in ms) is far
// outside any plausible crawl data.
const millisThreshold = int64(1e11)

var wallClockLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeTimestamp converts a raw timestamp value into epoch ms UTC.
// tzOffset is the platform's fixed zone offset, applied only to inputs that
// carry no zone of their own.
func NormalizeTimestamp(raw json.RawMessage, tzOffset time.Duration) (int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, fmt.Errorf("timestamp missing")
	}

	// Numeric: seconds or milliseconds.
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return normalizeEpoch(n)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return normalizeEpoch(int64(f))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unsupported timestamp shape: %s", trimmed)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("timestamp missing")
	}

	// Numeric string.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeEpoch(n)
	}

	// ISO-8601 with zone information.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}

	// Zone-less wall clock: platform local time, corrected by configuration.
	for _, layout := range wallClockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Add(-tzOffset).UTC().UnixMilli(), nil
		}
	}

	return 0, fmt.Errorf("unparseable timestamp %q", s)
}

func normalizeEpoch(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("non-positive timestamp %d", n)
	}
	if n < millisThreshold {
		return n * 1000, nil
	}
	return n, nil
}
