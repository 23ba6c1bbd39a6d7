// Package scheduler owns the campaign's timed triggers.
//
// Jobs are registered by name as descriptors. A descriptor survives
// reschedules and timezone changes; only its cron entry is swapped, so a run
// that is already firing finishes on its own goroutine.
package scheduler
