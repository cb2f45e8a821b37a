// Package logx wraps zerolog behind a small structured-logging API.
//
// The Service owns the root logger and its sinks (console, file, and an
// optional operator-chat forwarder). Sinks and levels can be swapped at
// runtime via Apply() without invalidating Loggers already handed out:
// a Logger created from the Service always resolves the current root.
//
// The operator sink is rate limited and strictly non-blocking; when the
// forwarding queue is full, lines are dropped rather than stalling the
// caller.
package logx
