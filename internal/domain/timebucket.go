package domain

import "time"

// TimeBucket is the coarse position of a signal relative to tipoff.
type TimeBucket string

const (
	BucketOpen    TimeBucket = "OPEN"
	BucketMid     TimeBucket = "MID"
	BucketLate    TimeBucket = "LATE"
	BucketPretip  TimeBucket = "PRETIP"
	BucketInPlay  TimeBucket = "INPLAY"
	BucketUnknown TimeBucket = "UNKNOWN"
)

// BucketForMinutes classifies minutes-to-tipoff. Boundaries are half-open
// toward the earlier bucket: exactly 15 is PRETIP, exactly 60 LATE, exactly
// 240 MID. Negative minutes mean the game is underway.
func BucketForMinutes(minutesToTip float64) TimeBucket {
	switch {
	case minutesToTip < 0:
		return BucketInPlay
	case minutesToTip <= 15:
		return BucketPretip
	case minutesToTip <= 60:
		return BucketLate
	case minutesToTip <= 240:
		return BucketMid
	default:
		return BucketOpen
	}
}

// BucketForTipoff classifies now against a commence time; a nil commence
// time yields UNKNOWN.
func BucketForTipoff(now time.Time, commence *time.Time) TimeBucket {
	if commence == nil || commence.IsZero() {
		return BucketUnknown
	}
	return BucketForMinutes(commence.Sub(now).Minutes())
}

// MinutesToTip returns minutes from now until commence, or nil when the
// commence time is unknown.
func MinutesToTip(now time.Time, commence *time.Time) *float64 {
	if commence == nil || commence.IsZero() {
		return nil
	}
	m := commence.Sub(now).Minutes()
	return &m
}
