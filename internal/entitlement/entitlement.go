// Package entitlement decides whether a tenant may hold an active session.
package entitlement

import (
	"context"
	"time"

	"wabridge/internal/datastore"
)

// Checker is consulted before session restoration and before honoring a
// connect request.
type Checker interface {
	IsEntitled(ctx context.Context, tenantID string) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, tenantID string) (bool, error)

func (f CheckerFunc) IsEntitled(ctx context.Context, tenantID string) (bool, error) {
	return f(ctx, tenantID)
}

// Service answers entitlement questions from the tenant database and
// exposes the admin-facing mutations.
type Service struct {
	db *datastore.DB

	// AdminID is always entitled regardless of database state.
	AdminID string
}

func NewService(db *datastore.DB, adminID string) *Service {
	return &Service{db: db, AdminID: adminID}
}

func (s *Service) IsEntitled(ctx context.Context, tenantID string) (bool, error) {
	if s.AdminID != "" && tenantID == s.AdminID {
		return true, nil
	}
	exp, err := s.db.ExpiresAt(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return exp.After(time.Now()), nil
}

// Remaining returns how long the tenant's entitlement lasts (<= 0 when
// expired or absent).
func (s *Service) Remaining(ctx context.Context, tenantID string) (time.Duration, error) {
	exp, err := s.db.ExpiresAt(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if exp.IsZero() {
		return 0, nil
	}
	return time.Until(exp), nil
}

func (s *Service) Activate(ctx context.Context, tenantID string, days int) error {
	return s.db.Activate(ctx, tenantID, days)
}

func (s *Service) Revoke(ctx context.Context, tenantID string) error {
	return s.db.Revoke(ctx, tenantID)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.db.TenantCount(ctx)
}

// Expired lists tenants whose entitlement lapsed before now.
func (s *Service) Expired(ctx context.Context, now time.Time) ([]string, error) {
	return s.db.ExpiredTenants(ctx, now)
}
