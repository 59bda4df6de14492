/*
Package protocol implements the Casparian Flow wire protocol spoken
between the sentinel, workers, and sandboxes.

Every message is a length-prefixed frame pair: a fixed 16-byte header in
network byte order followed by the payload.

	offset  size  field
	0       1     protocol_version (0x04)
	1       1     op_code
	2       2     flags (bit 0: compressed; bits 1..2: content type)
	4       8     job_id (big-endian unsigned)
	12      4     payload_length (big-endian unsigned)

Op codes: IDENTIFY=1, DISPATCH=2, HEARTBEAT=3, DATA=4, CONCLUDE=5,
ERROR=6, CANCEL=7, RELOAD=8. Control payloads are JSON; DATA payloads
are Arrow IPC streams. Any frame with an unknown version, an op code
outside the defined set, or a body inconsistent with payload_length is
rejected with a *protocol.Error and the session is reset by the caller.
*/
package protocol
