// Package notify runs the notification dispatcher: the background loop that
// drains the durable outbox and hands jobs to delivery sinks.
//
// Flow per tick: claim a bounded batch (oldest first, atomic in the store),
// process each job in its own goroutine (rate limit -> send -> record
// outcome), apply the retry/escalation policy. A job or store failure never
// aborts the loop; everything is recorded in the job's attempt log and
// converted into a status transition.
package notify
