package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the activation times of a periodic task.
type Schedule = cron.Schedule

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse reads REAPER_SCHEDULE. It accepts a plain Go duration ("90s"),
// which runs at that fixed delay, a five-field cron line or a descriptor
// such as "@hourly" or "@every 1m". Delays are whole seconds, at least one.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if d, err := time.ParseDuration(expr); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("invalid schedule %q: delay below one second", expr)
		}
		return cron.Every(d), nil
	}
	s, err := specParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}
