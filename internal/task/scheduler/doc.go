// Package scheduler runs periodic maintenance jobs (stalled-message
// checks, pipeline stats) on robfig/cron.
//
// Jobs are registered by name; registering a name again replaces the
// previous schedule, which is how config reloads reschedule a job.
package scheduler
