/*
Package events provides an in-process broker for lifecycle events.

The scout, worker, and supervisor publish events as files are versioned
and jobs move through the queue; subscribers (in this repository, the
tests) receive them on buffered channels. Delivery is best-effort:
a subscriber whose buffer is full misses the event rather than blocking
the publisher.

This is process-local plumbing. Durable state transitions always go
through the metadata store; events only mirror them for observation.
*/
package events
