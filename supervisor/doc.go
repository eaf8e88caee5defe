/*
Package supervisor manages a population of child processes through a
dedicated helper speaking the wire protocol over an inherited socketpair.

A Manager owns exactly one control channel, one helper, and one dispatch
loop. Callers ask it to spawn processes described by a Spec and get back a
Proc whose status sink delivers, in wire order, every event concerning that
process: captured output chunks, then exactly one terminal message (spawn
error, exit, or signal), then an end-of-status sentinel. Once a process is
registered, every failure concerning it arrives through its sink; only
failures detected before registration surface as synchronous errors from
Spawn.

Stop shuts the write half of the control channel, which makes the helper
drive every remaining child through a SIGTERM-then-SIGKILL escalation, and
blocks until every process's terminal status has been enqueued and the helper
itself has been reaped.
*/
package supervisor
