package timeutil

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// LoadLocation resolves a tz database name for display. An empty name or
// "UTC" is UTC; events are always stored in UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}
