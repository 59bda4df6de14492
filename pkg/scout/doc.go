/*
Package scout implements the discovery, tagging, and enqueue pipeline.

A scan is a parallel filesystem walk with dynamic fan-out: a bounded
worker pool drains a directory queue, each scanned directory scheduling
its subdirectories as new units of work. Discovered files are hashed
(chunked SHA-256), tagged by evaluating the routing rules in
priority-descending order, and recorded as FileVersions through the
metadata store. When a version is new, the applied tags are resolved to
the subscribed plugins (unioned with any manual plugin set) and jobs are
enqueued in one batch.

The walk is restartable. Every write goes through idempotent store
upserts, so rerunning a scan after a crash produces a superset of the
interrupted run and never loses state; a second back-to-back scan of an
unchanged tree records nothing and enqueues nothing.

Failure handling is absorb-and-continue: unreadable directories and
vanished or permission-denied files are logged, counted in the summary,
and skipped. The walk terminates only when the queue drains.

Watch mode layers fsnotify on top of the same scan: change
notifications mark subtrees dirty and a debounced rescan picks up the
differences through the same idempotent path.
*/
package scout
