package reconnect

import (
	"testing"
	"time"

	"wabridge/internal/network"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	p := New(5*time.Second, 5*time.Minute)

	tests := []struct {
		name  string
		cause network.DisconnectCause
		kind  Kind
	}{
		{name: "auth rejected wipes", cause: network.CauseAuthRejected, kind: WipeAndReauth},
		{name: "remote logout is terminal", cause: network.CauseLoggedOut, kind: TerminalLogout},
		{name: "stream restart retries now", cause: network.CauseStreamRestart, kind: ImmediateRetry},
		{name: "stream error backs off", cause: network.CauseStreamError, kind: BackoffRetry},
		{name: "network backs off", cause: network.CauseNetwork, kind: BackoffRetry},
		{name: "timeout backs off", cause: network.CauseTimeout, kind: BackoffRetry},
		{name: "unknown backs off", cause: network.CauseUnknown, kind: BackoffRetry},
		{name: "unmapped value backs off", cause: network.DisconnectCause(99), kind: BackoffRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Classify(tt.cause, 0)
			if got.Kind != tt.kind {
				t.Fatalf("Classify(%v) = %v, want %v", tt.cause, got.Kind, tt.kind)
			}
			if tt.kind == BackoffRetry && got.Delay <= 0 {
				t.Fatalf("BackoffRetry must carry a positive delay, got %v", got.Delay)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()
	p := New(0, 0) // defaults
	for i := 0; i < 10; i++ {
		a := p.Classify(network.CauseNetwork, 2)
		b := p.Classify(network.CauseNetwork, 2)
		if a != b {
			t.Fatalf("non-deterministic classification: %+v vs %+v", a, b)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()
	p := New(time.Second, 8*time.Second)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}

	if got := p.Backoff(-1); got != time.Second {
		t.Fatalf("Backoff(-1) = %v, want base", got)
	}
}
