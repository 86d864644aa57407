package store

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeTimestamp_ObservedShapes(t *testing.T) {
	offset := 8 * time.Hour

	cases := []struct {
		name string
		raw  string
		want int64
	}{
		{"epoch seconds", `1700000000`, 1700000000000},
		{"epoch milliseconds", `1700000000000`, 1700000000000},
		{"epoch seconds float", `1700000000.0`, 1700000000000},
		{"numeric string seconds", `"1700000000"`, 1700000000000},
		{"numeric string millis", `"1700000000000"`, 1700000000000},
		{"iso with zone", `"2023-11-14T22:13:20Z"`, 1700000000000},
		{"iso with offset", `"2023-11-15T06:13:20+08:00"`, 1700000000000},
		{"iso fractional", `"2023-11-14T22:13:20.500Z"`, 1700000000500},
		// Zone-less wall clock reported in platform local time (UTC+8).
		{"platform wall clock", `"2023-11-15T06:13:20"`, 1700000000000},
		{"platform wall clock spaced", `"2023-11-15 06:13:20"`, 1700000000000},
	}

	for _, tc := range cases {
		got, err := NormalizeTimestamp(json.RawMessage(tc.raw), offset)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeTimestamp_Rejects(t *testing.T) {
	for _, raw := range []string{``, `null`, `""`, `"not a date"`, `0`, `-5`, `{}`} {
		if _, err := NormalizeTimestamp(json.RawMessage(raw), 0); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNormalizeTimestamp_ZeroOffsetWallClock(t *testing.T) {
	got, err := NormalizeTimestamp(json.RawMessage(`"2023-11-14T22:13:20"`), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1700000000000 {
		t.Fatalf("got %d want 1700000000000", got)
	}
}
