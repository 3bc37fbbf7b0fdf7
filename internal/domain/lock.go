package domain

import "time"

type Lock struct {
	Key        string
	OwnerID    string
	AcquiredAt time.Time
}

// Stale reports whether the lock has outlived timeout and may be reclaimed.
func (l Lock) Stale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(l.AcquiredAt) > timeout
}

type CacheEntry struct {
	Key         string
	Value       any
	Version     uint64
	LastUpdated time.Time
}

func (e CacheEntry) Fresh(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(e.LastUpdated) < window
}
