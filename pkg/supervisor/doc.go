/*
Package supervisor implements heartbeat-based recovery.

A periodic sweep returns any CLAIMED or RUNNING job whose heartbeat age
exceeds the lease timeout (3x the heartbeat interval by default) to
PENDING, and marks workers silent past the same horizon OFFLINE.
Reclaim is recovery, not retry: the retry counter is untouched.

The race against a live worker refreshing its claim in the same tick is
resolved inside the store: the refresh verifies ownership and the
reclaim verifies heartbeat age, both atomically in their UPDATE
predicates, so exactly one side wins and the loser observes it.
*/
package supervisor
