package models

import "time"

// Revision is a monotonic marker of an entity's last confirmed
// modification, expressed as unix milliseconds of the confirming update.
// Incoming records are ordered by comparing revisions; the zero value
// sorts before every real revision.
type Revision int64

// RevisionFromTime derives a Revision from a confirmed update time.
func RevisionFromTime(t time.Time) Revision {
	return Revision(t.UnixMilli())
}

// Newer reports whether r is strictly newer than other.
func (r Revision) Newer(other Revision) bool {
	return r > other
}

// Time converts the revision back to the confirming update time.
func (r Revision) Time() time.Time {
	return time.UnixMilli(int64(r))
}
