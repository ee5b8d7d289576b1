package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec renders the entry as a daily cron expression pinned to its zone,
// e.g. "CRON_TZ=Asia/Tashkent 30 21 * * *".
func (e Entry) CronSpec() string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", e.Timezone, e.Time.Minute, e.Time.Hour)
}

// NextOccurrence returns the first trigger instant strictly after now. It is
// informational (shown to users); due-ness never depends on it.
func NextOccurrence(e Entry, now time.Time) (time.Time, error) {
	if _, err := LoadLocation(e.Timezone); err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(e.CronSpec())
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: parse %q: %w", e.CronSpec(), err)
	}
	return sched.Next(now), nil
}
