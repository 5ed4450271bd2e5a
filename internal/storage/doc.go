// Package storage is the persistence layer: the durable notification outbox
// (jobs + attempt log) and the war-status archive (snapshots + change events).
//
// SQLite is the only backend. The store is the single arbiter of job
// ownership: claiming a batch is a conditional status transition inside one
// transaction, so two concurrent claimers never receive the same job.
package storage
