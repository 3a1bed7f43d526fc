package convert

import "time"

const DefaultDailyLimit = 5

// RateLimiter is the daily submission admission check. It is a pure
// predicate: bumping the counter after a job is accepted is the
// submission path's job, inside the same transaction that creates the
// job record.
type RateLimiter struct {
	limit uint
	now   func() time.Time
}

func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &RateLimiter{limit: uint(limit), now: time.Now}
}

// Limit is the configured daily cap, shared with the guarded counter
// bump in the submission transaction.
func (l *RateLimiter) Limit() uint { return l.limit }

// Allow reports whether one more submission fits under the daily limit.
// A nil record (user never submitted) or a record stamped on a previous
// calendar day counts as zero jobs today, whatever the stored counter says.
func (l *RateLimiter) Allow(q *UserQuota) bool {
	return l.countToday(q) < l.limit
}

func (l *RateLimiter) countToday(q *UserQuota) uint {
	if q == nil || !sameDay(q.LastProcessedAt, l.now()) {
		return 0
	}
	return q.DailyCount
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
