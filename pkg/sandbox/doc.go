/*
Package sandbox carries the guest side of plugin execution.

A sandbox is one interpreter subprocess per job invocation. The host
hands it a JSON envelope on stdin (plugin source, file path, job and
version ids, the data channel address) and the embedded bridge script
does the rest: it loads the single BasePlugin subclass from the source,
builds the FileEvent, invokes consume (or the legacy execute), converts
each emitted batch to an Arrow IPC stream, and frames it as DATA on the
data channel. Success ends with a CONCLUDE frame and exit 0; any
exception is serialized into an ERROR frame and the process exits
non-zero.

Crash isolation is structural. A segfault or fatal interpreter error
tears down only the subprocess; the host observes the exit status and
the missing CONCLUDE and fails the job. The bridge never connects to
the metadata store and holds no authority over staging or commit.

The bridge source is embedded in the host binary and written into each
prepared environment, so guest and host can never disagree about the
protocol version.
*/
package sandbox
