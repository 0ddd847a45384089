// Package delivery is the bot's outbound message engine.
//
// Producers hand messages to a Dispatcher, which keeps one FIFO per
// recipient and one shared broadcast FIFO. Sending is throttled twice: a
// per-recipient burst controller and a process-wide fixed-window limiter.
// Failed sends are classified; unreachable recipients are deactivated,
// harmless provider refusals are dropped, and everything else goes to an
// ErrorReporter. A failure never stops a queue.
package delivery
