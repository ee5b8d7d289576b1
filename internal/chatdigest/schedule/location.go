package schedule

import (
	"fmt"
	"sync"
	"time"
)

// Location lookups hit the zoneinfo database on every call; the set of zones
// in use is tiny, so loaded zones are kept for the life of the process.
var locations sync.Map // name -> *time.Location

// LoadLocation is time.LoadLocation with a process-wide cache. The empty
// name and "Local" are rejected: schedules always name their zone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	locations.Store(name, loc)
	return loc, nil
}
