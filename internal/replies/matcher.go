// Package replies implements the per-tenant auto-reply rule set.
//
// Matching is exact, case-insensitive, against the full trimmed message
// body. Substring matching was deliberately rejected: with more than one
// rule it makes which rule fires ambiguous.
package replies

import (
	"context"
	"strings"

	"wabridge/internal/datastore"
)

type Rule = datastore.ReplyRule

// Matcher looks up auto-reply rules. The store is consulted per message,
// so rule mutations take effect on the next inbound message without any
// cache invalidation.
type Matcher struct {
	db *datastore.DB
}

func NewMatcher(db *datastore.DB) *Matcher {
	return &Matcher{db: db}
}

// Match returns the response of the first rule whose keyword equals the
// message body case-insensitively. No match means no action; there is no
// fallback reply.
func (m *Matcher) Match(ctx context.Context, tenantID, text string) (string, bool, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return "", false, nil
	}
	rules, err := m.db.ReplyRules(ctx, tenantID)
	if err != nil {
		return "", false, err
	}
	for _, r := range rules {
		if strings.EqualFold(body, strings.TrimSpace(r.Keyword)) {
			return r.Response, true, nil
		}
	}
	return "", false, nil
}

func (m *Matcher) Add(ctx context.Context, r Rule) error {
	return m.db.AddReplyRule(ctx, r)
}

func (m *Matcher) RemoveByKeyword(ctx context.Context, tenantID, keyword string) (int64, error) {
	return m.db.RemoveReplyRules(ctx, tenantID, keyword)
}

func (m *Matcher) List(ctx context.Context, tenantID string) ([]Rule, error) {
	return m.db.ReplyRules(ctx, tenantID)
}

func (m *Matcher) Count(ctx context.Context, tenantID string) (int, error) {
	return m.db.ReplyRuleCount(ctx, tenantID)
}
