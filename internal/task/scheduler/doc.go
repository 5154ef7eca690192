// Package scheduler triggers named housekeeping jobs on cron or interval
// schedules (robfig/cron). A job never overlaps with itself: a trigger that
// fires while the previous run is still going is skipped.
package scheduler
