package relay

import (
	"fmt"
	"testing"
)

func TestRecentErrorsKeepTheLastTen(t *testing.T) {
	m := newMetrics()
	for i := 0; i < recentErrorLimit+3; i++ {
		m.recordFailure(fmt.Sprintf("failure %d", i))
	}

	snap := m.snapshot()
	if len(snap.RecentErrors) != recentErrorLimit {
		t.Fatalf("kept %d errors, want %d", len(snap.RecentErrors), recentErrorLimit)
	}
	if snap.RecentErrors[0] != "failure 3" {
		t.Fatalf("oldest kept error = %q, want %q", snap.RecentErrors[0], "failure 3")
	}
	if last := snap.RecentErrors[recentErrorLimit-1]; last != "failure 12" {
		t.Fatalf("newest kept error = %q, want %q", last, "failure 12")
	}
	if snap.EventsFailed != uint64(recentErrorLimit+3) {
		t.Fatalf("EventsFailed = %d, want %d", snap.EventsFailed, recentErrorLimit+3)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := newMetrics()
	m.recordAccepted("mouse_move")
	m.recordFailure("boom")

	snap := m.snapshot()
	snap.PerKind["mouse_move"] = 99
	snap.RecentErrors[0] = "mutated"

	fresh := m.snapshot()
	if fresh.PerKind["mouse_move"] != 1 {
		t.Fatalf("snapshot map aliases internal state")
	}
	if fresh.RecentErrors[0] != "boom" {
		t.Fatalf("snapshot errors alias internal state")
	}
}
