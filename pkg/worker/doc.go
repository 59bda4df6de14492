/*
Package worker implements the host side of job execution.

A worker claims a job (polling the store's atomic claim in pull mode,
or accepting a DISPATCH and claiming by id in push mode), verifies the
plugin artifact against its stored hash, prepares the interpreter
environment keyed by the manifest's environment signature, and spawns
one sandbox subprocess for the invocation. Record batches stream back
over a per-job data channel; each batch is checked for reserved
columns, stamped with the lineage columns, and written into per-topic
staging handles. A clean CONCLUDE flushes and commits every staged
destination atomically and the job completes with per-topic row counts;
any failure destroys the staging artifacts and records a classified
terminal state.

The Context is the handle table: RegisterTopic validates the topic
grammar and allocates staging (the cold path), Publish dispatches by
dense integer index (the hot path, no string lookups).

The environment manager caches prepared interpreter roots on disk under
their env hash, serializing concurrent preparations with a per-env file
lock and tracking use in a small bbolt registry.

Leases are kept alive by a background heartbeat for the lifetime of
each claim; losing the lease cancels the sandbox (SIGTERM, grace
window, SIGKILL) and leaves the terminal write to the new owner.
Cooperative shutdown drains the current job before the loop exits.
*/
package worker
