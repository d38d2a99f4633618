package validation

import "time"

// Limits bounds the structural checks applied to a submission before any
// hashing happens.
type Limits struct {
	// Extranonce2Size is the extranonce2 length in bytes.
	Extranonce2Size int
	// MaxTimeSkew is how far a submitted ntime may drift from the job's
	// reference time in either direction.
	MaxTimeSkew time.Duration
	// VersionMask is the set of header version bits miners may roll.
	// Zero disables version rolling.
	VersionMask uint32
}

// DefaultLimits returns the limits used for Bitcoin stratum v1 jobs.
func DefaultLimits() Limits {
	return Limits{
		Extranonce2Size: 4,
		MaxTimeSkew:     2 * time.Hour,
		VersionMask:     0x1fffe000,
	}
}
