package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"go.uber.org/zap"
)

// SharedTenant names the store of the shared (unscoped) pattern library
const SharedTenant = ""

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Manager hands out one Store per tenant. Tenants never share a database.
type Manager struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager creates a manager rooted at dir; ":memory:" keeps every tenant in memory
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir != MemoryPath {
		expanded, err := expandHome(dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(expanded, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dir = expanded
	}
	return &Manager{
		dir:    dir,
		logger: logging.OrNop(logger),
		stores: make(map[string]*Store),
	}, nil
}

// Get returns the store of tenant, opening it on first use
func (m *Manager) Get(tenant string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[tenant]; ok {
		return s, nil
	}

	path := MemoryPath
	if m.dir != MemoryPath {
		path = filepath.Join(m.dir, FileName(tenant))
	}
	s, err := Open(path, tenant, m.logger.With(zap.String("tenant", tenant)))
	if err != nil {
		return nil, fmt.Errorf("open store for tenant %q: %w", tenant, err)
	}
	m.stores[tenant] = s
	m.logger.Debug("Store opened", zap.String("tenant", tenant), zap.String("path", path))
	return s, nil
}

// Library returns the pattern library visible to tenant: its own store plus,
// when includeShared is set, the shared store
func (m *Manager) Library(tenant string, includeShared bool) (*Library, error) {
	own, err := m.Get(tenant)
	if err != nil {
		return nil, err
	}
	lib := &Library{stores: []*Store{own}}
	if includeShared && tenant != SharedTenant {
		shared, err := m.Get(SharedTenant)
		if err != nil {
			return nil, err
		}
		lib.stores = append(lib.stores, shared)
	}
	return lib, nil
}

// Close closes every open store
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for tenant, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store for tenant %q: %w", tenant, err)
		}
		delete(m.stores, tenant)
	}
	return firstErr
}

// FileName returns the database file name of a tenant
func FileName(tenant string) string {
	if tenant == SharedTenant {
		return "shared.db"
	}
	return "tenant-" + unsafeName.ReplaceAllString(tenant, "_") + ".db"
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Library reads candidates across a tenant store and the shared store.
// Writes only reach the tenant's own store.
type Library struct {
	stores []*Store
}

// Candidates merges the in-scope patterns of every store, ordered by id
func (l *Library) Candidates(ctx context.Context, q model.PatternQuery) ([]model.Pattern, error) {
	var out []model.Pattern
	for _, s := range l.stores {
		query := q
		query.Scopes = []string{s.tenant}
		found, err := s.Candidates(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			if q.Matches(p) {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IncrementTimesSeen updates a pattern of the tenant's own store. Patterns of
// the shared store report ErrNotFound.
func (l *Library) IncrementTimesSeen(ctx context.Context, patternID string) error {
	return l.stores[0].IncrementTimesSeen(ctx, patternID)
}
