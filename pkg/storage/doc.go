/*
Package storage is the typed gateway to the Casparian Flow metadata
store.

All durable state lives here: source roots, file locations and their
immutable versions, the content-hash registry, routing rules, plugin and
topic configuration, plugin manifests, the processing queue, and the
worker registry. Every component mutates state only through the Store
interface; nothing else in the system issues SQL.

The shipped backend is SQLite (modernc.org/sqlite, CGO-free) behind
sqlx, with goose-managed migrations embedded in the binary. The
connection runs WAL with a busy timeout and a single pooled connection,
so writers serialize inside SQLite instead of bouncing on SQLITE_BUSY.

# Atomic claim

ClaimNextJob is the contention point of the whole platform. It is a
single UPDATE whose id comes from a priority-ordered subquery and whose
WHERE clause re-checks status = 'PENDING':

	UPDATE cf_processing_queue SET status = 'CLAIMED', ...
	WHERE id = (SELECT id ... WHERE status = 'PENDING'
	            ORDER BY priority DESC, id ASC LIMIT 1)
	  AND status = 'PENDING'
	RETURNING ...

Under SQLite's single-writer discipline exactly one racing claimant can
observe the row as PENDING, so the single-claim property holds without
advisory locks. Lease refresh (Heartbeat) and reclaim (ReclaimStalled)
verify ownership and heartbeat age inside their UPDATE predicates, which
makes their race resolve to exactly one winner as well.

# Dedup

EnqueueJobs skips any (plugin, file_version) pair that already has a row
in a non-terminal status, making the Scout's enqueue idempotent across
restarts.
*/
package storage
