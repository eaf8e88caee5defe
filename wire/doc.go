/*
Package wire defines the framed binary protocol spoken on the control channel
between a supervisor and its process-management helper.

Every message is a frame: a fixed 16-byte little-endian header {tag, kind,
value, payload length} followed by exactly that many payload bytes. The reader
always consumes the header first and then the announced payload, so no frame
boundary is ever ambiguous and payloads may contain arbitrary bytes, including
NULs in error text.

Tag 0 is reserved for the helper's reports about itself. For any other tag the
helper guarantees: zero or more output frames, then exactly one terminal frame
(spawn-error, exited, or signaled), then exactly one end-of-status sentinel,
after which the tag is dead.

Frames that create processes may carry file descriptors as SCM_RIGHTS
ancillary data; the channel is therefore expected to be an AF_UNIX stream
socket, typically one end of a socketpair inherited across exec.
*/
package wire
