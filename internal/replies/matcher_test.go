package replies

import (
	"context"
	"path/filepath"
	"testing"

	"wabridge/internal/datastore"
	logx "wabridge/pkg/logx"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	db, err := datastore.Open(datastore.Config{Path: filepath.Join(t.TempDir(), "db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMatcher(db)
}

func TestMatchExactCaseInsensitive(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	if err := m.Add(ctx, Rule{TenantID: "t1", Keyword: "Price", Response: "100"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{name: "exact", text: "Price", want: "100", ok: true},
		{name: "lower", text: "price", want: "100", ok: true},
		{name: "upper", text: "PRICE", want: "100", ok: true},
		{name: "surrounding whitespace", text: "  price \n", want: "100", ok: true},
		{name: "substring of longer message", text: "what is the price?", ok: false},
		{name: "keyword as prefix", text: "prices", ok: false},
		{name: "no match", text: "hello", ok: false},
		{name: "empty", text: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := m.Match(ctx, "t1", tt.text)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Match(%q) = (%q, %v), want (%q, %v)", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	_ = m.Add(ctx, Rule{TenantID: "t1", Keyword: "hi", Response: "first"})
	_ = m.Add(ctx, Rule{TenantID: "t1", Keyword: "HI", Response: "second"})

	got, ok, err := m.Match(ctx, "t1", "hi")
	if err != nil || !ok {
		t.Fatalf("match: %v ok=%v", err, ok)
	}
	if got != "first" {
		t.Fatalf("response = %q, want %q", got, "first")
	}
}

func TestMutationEffectiveNextMessage(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	if _, ok, _ := m.Match(ctx, "t1", "bye"); ok {
		t.Fatal("matched before rule existed")
	}
	_ = m.Add(ctx, Rule{TenantID: "t1", Keyword: "bye", Response: "later"})
	if _, ok, _ := m.Match(ctx, "t1", "bye"); !ok {
		t.Fatal("rule not effective after add")
	}
	if n, _ := m.RemoveByKeyword(ctx, "t1", "BYE"); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok, _ := m.Match(ctx, "t1", "bye"); ok {
		t.Fatal("rule still matching after removal")
	}
}

func TestTenantIsolation(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	_ = m.Add(ctx, Rule{TenantID: "t1", Keyword: "kw", Response: "t1 resp"})
	if _, ok, _ := m.Match(ctx, "t2", "kw"); ok {
		t.Fatal("rule leaked across tenants")
	}
}
