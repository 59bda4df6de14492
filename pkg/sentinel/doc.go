/*
Package sentinel implements the cluster broker.

One sentinel per cluster node owns the bound control socket and speaks
the wire protocol with workers. It maintains a registry of identified
workers (capabilities, liveness, current job), a routing table mapping
each plugin to its required environment signature and active artifact,
and a bounded in-memory queue of deferred dispatches.

The routing table is an immutable snapshot swapped atomically on
RELOAD, so readers in the middle of a dispatch keep a consistent view
while the table is rehydrated from the store.

Session rules: the first frame on a connection must be IDENTIFY, and a
worker that concluded job J receives no further DISPATCH on the same
logical connection until its CONCLUDE has been processed. Any protocol
violation resets the session.

In pull mode (the default) the sentinel is control plane only: workers
claim jobs directly from the store. With cluster.dispatch_mode: "push"
configured, a dispatcher loop feeds PENDING jobs to idle workers with
matching environments; the store's atomic claim remains the source of
truth, so a duplicated dispatch at worst loses the claim race.
*/
package sentinel
