package driver

import "time"

// clock supplies the driver's notion of "now", optionally anchored to a
// fake start date so an importer can replay a historical backup: the
// first call after a fake date is set returns that date, and every
// subsequent call advances it by the same amount of real wall-clock
// time that has actually elapsed, preserving transfer duration without
// pinning everything to one instant (spec.md §4.10).
type clock struct {
	fake     time.Time
	realBase time.Time
}

func newClock(fake time.Time) *clock {
	if fake.IsZero() {
		return &clock{}
	}
	return &clock{fake: fake, realBase: time.Now()}
}

func (c *clock) now() time.Time {
	if c.fake.IsZero() {
		return time.Now()
	}
	return c.fake.Add(time.Since(c.realBase))
}
