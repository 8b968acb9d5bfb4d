// Package clock is the narrow external-collaborator contract spec.md's
// §2 calls the "Clocksource": monotonic nanosecond and tick reads. The
// core consults it to refresh the kernel's notion of now and never reads
// hardware clocks directly. The APIC driver does not use it: its
// calibration reads the PIT through apic.PITSource.
package clock

// Source is implemented by whatever the surrounding kernel uses as its
// primary monotonic clock (HPET, PIT-derived, or the calibrated TSC
// itself once the APIC driver has brought it up).
type Source interface {
	// Nanotime returns a monotonically non-decreasing nanosecond count.
	// It has no defined epoch; only differences between calls are
	// meaningful.
	Nanotime() int64

	// Ticks returns a free-running tick count at whatever resolution the
	// source offers; used only for diagnostics (boot-ticks advancement
	// on CPU 0 per spec.md §4.1's per-tick handler).
	Ticks() uint64
}

// primary is the system's registered clock source. It is nil until
// SetPrimary is called during early init; callers that run before then
// (there are none in this core) would get a nil-pointer panic, which is
// the correct "hardware unavailability is fatal" behavior.
var primary Source

// SetPrimary registers the system's primary clock source.
func SetPrimary(s Source) {
	primary = s
}

// Now returns the primary clock source's current nanosecond reading.
func Now() int64 {
	return primary.Nanotime()
}

// Ticks returns the primary clock source's current tick reading.
func Ticks() uint64 {
	return primary.Ticks()
}
