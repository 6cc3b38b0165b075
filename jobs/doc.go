// Package jobs implements a durable scheduler for deferred, one-shot
// actions (lifting a member timeout, removing a temporary role, ending a
// giveaway, delivering a reminder).
//
// Every pending Job is a row in a Store. At startup, Scheduler.Reload
// arms a timer for each stored job, dropping jobs that are later than
// their misfire grace period. When a timer fires and a worker is free,
// the job's record is deleted before its Handler runs, so a job fires at
// most once even if the process crashes while the handler is running.
//
// Job IDs are deterministic (see NewID), and scheduling an ID that's
// already pending is rejected with ErrDuplicateID. Callers that need to
// replace a job cancel it first.
package jobs
