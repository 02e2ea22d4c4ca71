package netcam

import "time"

// timing keeps an exponential moving average of the interval between frames,
// in microseconds. The first sample only seeds the last-frame time.
type timing struct {
	last time.Time
	avg  float64
}

// update records a frame at now and returns false when the sample was skipped.
func (t *timing) update(now time.Time) bool {
	if now.IsZero() {
		return false
	}

	if !t.last.IsZero() {
		delta := float64(now.Sub(t.last).Microseconds())
		t.avg = (9.0*t.avg + delta) / 10.0
	}

	t.last = now
	return true
}

// interval returns the running average as a duration.
func (t *timing) interval() time.Duration {
	return time.Duration(t.avg * float64(time.Microsecond))
}
