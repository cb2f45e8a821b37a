package credstore

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wabridge/pkg/logx"
)

// Artifact names persisted by the network client for one tenant.
// A tenant's credential set is complete only when every required artifact
// is present; anything less must be treated as absent and purged.
const (
	ArtifactIdentity = "identity"
	ArtifactKeys     = "keys"
)

// RequiredArtifacts is the full credential set for one tenant.
var RequiredArtifacts = []string{ArtifactIdentity, ArtifactKeys}

var ErrNotFound = errors.New("credstore: artifact not found")

// Store persists per-tenant authentication material keyed by
// tenant id + artifact name. Implementations must survive process restart
// and support an atomic "delete everything for tenant".
type Store interface {
	Read(ctx context.Context, tenantID, artifact string) ([]byte, error)
	Write(ctx context.Context, tenantID, artifact string, blob []byte) error
	Artifacts(ctx context.Context, tenantID string) ([]string, error)
	Tenants(ctx context.Context) ([]string, error)
	DeleteAll(ctx context.Context, tenantID string) error
	Close() error
}

// Config configures the credential store.
//
// Driver values:
//   - "file": one directory per tenant (default)
//   - "sqlite": single database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown credstore driver: " + cfg.Driver)
	}
}

// CompleteSet reports whether the tenant holds every required artifact.
// Partial sets count as absent (the caller purges the remainder).
func CompleteSet(ctx context.Context, s Store, tenantID string) (bool, error) {
	have, err := s.Artifacts(ctx, tenantID)
	if err != nil {
		return false, err
	}
	set := make(map[string]bool, len(have))
	for _, a := range have {
		set[a] = true
	}
	for _, want := range RequiredArtifacts {
		if !set[want] {
			return false, nil
		}
	}
	return true, nil
}
