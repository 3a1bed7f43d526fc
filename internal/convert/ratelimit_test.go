package convert

import (
	"testing"
	"time"
)

func TestAllowNilRecord(t *testing.T) {
	l := NewRateLimiter(5)
	if !l.Allow(nil) {
		t.Fatalf("user with no quota record must be admitted")
	}
}

func TestAllowStaleRecordResets(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	l := NewRateLimiter(5)
	l.now = func() time.Time { return now }

	// Maxed out yesterday: today that counts as zero.
	q := &UserQuota{UserID: 1, DailyCount: 99, LastProcessedAt: now.AddDate(0, 0, -1)}
	if !l.Allow(q) {
		t.Fatalf("yesterday's counter must not block today's submission")
	}
}

func TestAllowAtLimitRefuses(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	l := NewRateLimiter(5)
	l.now = func() time.Time { return now }

	q := &UserQuota{UserID: 1, DailyCount: 5, LastProcessedAt: now.Add(-time.Hour)}
	if l.Allow(q) {
		t.Fatalf("user at the daily limit must be refused")
	}

	q.DailyCount = 4
	if !l.Allow(q) {
		t.Fatalf("user under the daily limit must be admitted")
	}
}

func TestAllowMidnightBoundary(t *testing.T) {
	l := NewRateLimiter(1)
	l.now = func() time.Time { return time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC) }

	// Stamped a minute before midnight; a second after it is a new day.
	q := &UserQuota{UserID: 1, DailyCount: 1, LastProcessedAt: time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)}
	if !l.Allow(q) {
		t.Fatalf("calendar day rollover must reset the counter")
	}
}
