package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "wabridge/pkg/logx"
)

const tenantDirPrefix = "tenant_"

// fileStore keeps one directory per tenant under the configured root:
//
//	<root>/tenant_<id>/<artifact>
//
// Writes go through a temp file + rename so a crash mid-write never leaves
// a truncated artifact. DeleteAll removes the whole tenant directory; a
// partially removed directory fails the completeness check on the next
// boot and is re-purged, so removal is idempotent by construction.
type fileStore struct {
	root string
	log  logx.Logger

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("credstore: path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{root: root, log: log}, nil
}

func (s *fileStore) tenantDir(tenantID string) string {
	return filepath.Join(s.root, tenantDirPrefix+sanitize(tenantID))
}

func (s *fileStore) Read(ctx context.Context, tenantID, artifact string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(filepath.Join(s.tenantDir(tenantID), sanitize(artifact)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *fileStore) Write(ctx context.Context, tenantID, artifact string, blob []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.tenantDir(tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, sanitize(artifact))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Artifacts(ctx context.Context, tenantID string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.tenantDir(tenantID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

func (s *fileStore) Tenants(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tenantDirPrefix) {
			continue
		}
		out = append(out, strings.TrimPrefix(e.Name(), tenantDirPrefix))
	}
	return out, nil
}

func (s *fileStore) DeleteAll(ctx context.Context, tenantID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.tenantDir(tenantID))
}

func (s *fileStore) Close() error { return nil }

// sanitize keeps tenant ids and artifact names path-safe.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
