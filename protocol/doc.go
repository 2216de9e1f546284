// Package protocol carries every chip operation over a single narrow duplex
// channel between a host [Client] and a device-side [Executor].
//
// Each request gets exactly one terminal response, optionally preceded by
// "still working" frames, and the client never sends a new request before the
// previous one is answered. Long operations (full-chip program, clone, scan)
// are split into Start, Status and Abort commands so the channel is never held
// for more than one exchange; the device finishes the block in flight before
// honoring an abort.
//
// Frames are checksummed. A damaged or missing response is retried with capped
// backoff, and the executor answers a retried request from its response cache
// rather than executing it twice.
package protocol
