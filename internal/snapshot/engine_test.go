package snapshot

import (
	"testing"
	"time"

	"dropletindex/internal/config"
)

func TestNextFire(t *testing.T) {
	t.Parallel()
	e := &Engine{reg: &config.Registry{SnapshotHour: 0, SnapshotMinute: 5}}

	tests := []struct {
		name string
		now  string
		want string
	}{
		{"before today's slot", "2026-03-10T00:01:00Z", "2026-03-10T00:05:00Z"},
		{"exactly at the slot", "2026-03-10T00:05:00Z", "2026-03-11T00:05:00Z"},
		{"after today's slot", "2026-03-10T18:00:00Z", "2026-03-11T00:05:00Z"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			now, _ := time.Parse(time.RFC3339, tc.now)
			want, _ := time.Parse(time.RFC3339, tc.want)
			if got := e.nextFire(now); !got.Equal(want) {
				t.Errorf("nextFire(%s) = %s, want %s", tc.now, got, want)
			}
		})
	}
}

func TestNextFireNonZeroHour(t *testing.T) {
	t.Parallel()
	e := &Engine{reg: &config.Registry{SnapshotHour: 2, SnapshotMinute: 30}}

	now, _ := time.Parse(time.RFC3339, "2026-03-10T01:00:00Z")
	want, _ := time.Parse(time.RFC3339, "2026-03-10T02:30:00Z")
	if got := e.nextFire(now); !got.Equal(want) {
		t.Errorf("nextFire = %s, want %s", got, want)
	}
}
