// Package lock decides whether a task's advisory edit lock admits a writer.
//
// A lock is a (holder, acquiredAt) pair stored on the record itself. It is
// never trusted as a boolean: staleness is derived from the timestamp every
// time a decision is made.
package lock

import "time"

// Timeout is the age after which a lock no longer excludes other writers.
const Timeout = 5 * time.Minute

// IsStale reports whether a lock acquired at acquiredAt has expired at now.
// A nil timestamp is treated as stale.
func IsStale(acquiredAt *time.Time, now time.Time) bool {
	if acquiredAt == nil {
		return true
	}
	return now.Sub(*acquiredAt) >= Timeout
}

// IsEditable reports whether requester may write a record whose lock is
// (holder, acquiredAt) at time now.
func IsEditable(holder *string, acquiredAt *time.Time, requester string, now time.Time) bool {
	if holder == nil {
		return true
	}
	if *holder == requester {
		return true
	}
	return IsStale(acquiredAt, now)
}

// Status is the lock state of a record as seen by one requester.
type Status struct {
	Locked bool
	Holder string
}

// StatusFor reports the record as locked only when someone other than
// requester holds a lock that has not expired.
func StatusFor(holder *string, acquiredAt *time.Time, requester string, now time.Time) Status {
	if IsEditable(holder, acquiredAt, requester, now) {
		return Status{}
	}
	return Status{Locked: true, Holder: *holder}
}

// Cutoff returns the acquisition time at or before which a lock is stale.
func Cutoff(now time.Time) time.Time {
	return now.Add(-Timeout)
}
