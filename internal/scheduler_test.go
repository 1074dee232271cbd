package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextMidnight(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "middle of the day",
			now:  time.Date(2026, 8, 23, 15, 30, 0, 0, loc),
			want: time.Date(2026, 8, 24, 0, 0, 0, 0, loc),
		},
		{
			name: "exactly midnight schedules the next day",
			now:  time.Date(2026, 8, 23, 0, 0, 0, 0, loc),
			want: time.Date(2026, 8, 24, 0, 0, 0, 0, loc),
		},
		{
			name: "end of month",
			now:  time.Date(2026, 8, 31, 23, 59, 59, 0, loc),
			want: time.Date(2026, 9, 1, 0, 0, 0, 0, loc),
		},
		{
			name: "end of year",
			now:  time.Date(2026, 12, 31, 12, 0, 0, 0, loc),
			want: time.Date(2027, 1, 1, 0, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextMidnight(tt.now)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestParseProductKey(t *testing.T) {
	tests := []struct {
		key    string
		wantID int64
		wantOK bool
	}{
		{"product:42:total_visits", 42, true},
		{"product:42:unique_visits", 42, true},
		{"product:42:visitor:10.0.0.1", 42, true},
		{"rate_limit:10.0.0.1", 0, false},
		{"product:abc:total_visits", 0, false},
		{"product:42", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, ok := parseProductKey(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantID, id)
			}
		})
	}
}
