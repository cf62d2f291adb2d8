package aggregate

import (
	"time"

	"github.com/c360/metricflow/errors"
)

// TimeUnit is the bucket granularity a metric is aggregated at
type TimeUnit string

// Supported time units
const (
	UnitDay     TimeUnit = "day"
	UnitWeek    TimeUnit = "week"
	UnitMonth   TimeUnit = "month"
	UnitQuarter TimeUnit = "quarter"
	UnitYear    TimeUnit = "year"
)

// Valid reports whether the unit is one of the supported granularities
func (u TimeUnit) Valid() bool {
	switch u {
	case UnitDay, UnitWeek, UnitMonth, UnitQuarter, UnitYear:
		return true
	}
	return false
}

// BucketStart truncates t (in UTC) to the start of its bucket.
// Weeks start on Monday.
func BucketStart(t time.Time, unit TimeUnit) (time.Time, error) {
	t = t.UTC()
	switch unit {
	case UnitDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case UnitWeek:
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -daysSinceMonday), nil
	case UnitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case UnitQuarter:
		quarterMonth := time.Month((int(t.Month())-1)/3*3 + 1)
		return time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC), nil
	case UnitYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, errors.WrapInvalid(nil, "aggregate", "BucketStart", "unknown time unit "+string(unit))
	}
}

// BucketRange returns the half-open [start, end) interval of t's bucket
func BucketRange(t time.Time, unit TimeUnit) (time.Time, time.Time, error) {
	start, err := BucketStart(t, unit)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	var end time.Time
	switch unit {
	case UnitDay:
		end = start.AddDate(0, 0, 1)
	case UnitWeek:
		end = start.AddDate(0, 0, 7)
	case UnitMonth:
		end = start.AddDate(0, 1, 0)
	case UnitQuarter:
		end = start.AddDate(0, 3, 0)
	case UnitYear:
		end = start.AddDate(1, 0, 0)
	}
	return start, end, nil
}
