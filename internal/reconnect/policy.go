// Package reconnect holds the disconnect classification policy as a pure
// function, so retry semantics stay testable in isolation from I/O. The
// session owns the driving loop; this package only decides.
package reconnect

import (
	"time"

	"wabridge/internal/network"
)

type Kind int

const (
	// ImmediateRetry redials right away. The session enforces a minimum
	// spacing between consecutive immediate retries for the same cause so
	// a broken remote can't induce a tight crash loop.
	ImmediateRetry Kind = iota
	// BackoffRetry redials after Action.Delay.
	BackoffRetry
	// WipeAndReauth deletes all credential records; the tenant must pair
	// from scratch.
	WipeAndReauth
	// TerminalLogout tears the session down; the tenant logged out from
	// their own device.
	TerminalLogout
)

func (k Kind) String() string {
	switch k {
	case ImmediateRetry:
		return "immediate_retry"
	case BackoffRetry:
		return "backoff_retry"
	case WipeAndReauth:
		return "wipe_and_reauth"
	case TerminalLogout:
		return "terminal_logout"
	default:
		return "unknown"
	}
}

type Action struct {
	Kind  Kind
	Delay time.Duration
}

// Policy classifies disconnect causes. The zero value is not usable;
// construct with New.
type Policy struct {
	backoffBase time.Duration
	backoffMax  time.Duration
}

func New(backoffBase, backoffMax time.Duration) Policy {
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	if backoffMax < backoffBase {
		backoffMax = 5 * time.Minute
	}
	return Policy{backoffBase: backoffBase, backoffMax: backoffMax}
}

// Classify is total and deterministic: every cause maps to an action, and
// unrecognized causes fall back to BackoffRetry rather than silently
// dropping the session. attempt counts consecutive failed reconnects since
// the last successful connect (0 for the first).
func (p Policy) Classify(cause network.DisconnectCause, attempt int) Action {
	switch cause {
	case network.CauseAuthRejected:
		return Action{Kind: WipeAndReauth}
	case network.CauseLoggedOut:
		return Action{Kind: TerminalLogout}
	case network.CauseStreamRestart:
		return Action{Kind: ImmediateRetry}
	default:
		return Action{Kind: BackoffRetry, Delay: p.Backoff(attempt)}
	}
}

// Backoff doubles the base delay per consecutive failed attempt, capped.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.backoffMax {
			return p.backoffMax
		}
	}
	if d > p.backoffMax {
		return p.backoffMax
	}
	return d
}
