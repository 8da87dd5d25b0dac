package ritual

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronExprs translates spec.md §3's three ritual frequencies into standard
// five-field cron expressions, the same scheduling vocabulary
// _examples/cklxx-elephant.ai's scheduler parses with cron.ParseStandard.
var cronExprs = map[Frequency]string{
	FrequencyHourly: "0 * * * *",
	FrequencyDaily:  "0 0 * * *",
	FrequencyWeekly: "0 0 * * 0",
}

// scheduleNext returns the next activation time for f's cron schedule after
// now. The lease protocol's own backoff (see backoff) is added by the
// caller on top of this.
func scheduleNext(f Frequency, now time.Time) (time.Time, error) {
	expr, ok := cronExprs[f]
	if !ok {
		return time.Time{}, fmt.Errorf("schedule next: unknown frequency %q", f)
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr for %s: %w", f, err)
	}
	return schedule.Next(now), nil
}
