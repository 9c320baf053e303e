package schedule

import "time"

// Backoff is an exponential delay policy with a floor and a cap.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
}

// Next returns the delay that follows current. Anything below Base means no
// backoff is in effect yet and yields Base; otherwise the delay grows by
// Multiplier up to Cap. From zero with 60s/600s/2 the sequence is
// 60, 120, 240, 480, 600, 600.
func (b Backoff) Next(current time.Duration) time.Duration {
	if current < b.Base {
		return b.Base
	}
	next := time.Duration(float64(current) * b.Multiplier)
	if next > b.Cap || next < current {
		return b.Cap
	}
	return next
}

// ForAttempt returns the delay for the given 1-based attempt number.
func (b Backoff) ForAttempt(attempt int) time.Duration {
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.Next(d)
		if d >= b.Cap {
			break
		}
	}
	return d
}
