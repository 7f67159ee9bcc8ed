package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/pagesync/internal/contentapi"
)

var (
	ErrInvalidDSN     = errors.New("invalid cache dsn")
	ErrNotImplemented = errors.New("not implemented")
)

// Snapshot is the persisted form of the cache: space -> title -> id.
type Snapshot struct {
	Spaces map[string]map[string]contentapi.PageID `json:"spaces"`
}

// Backend persists snapshots. Load returns nil, nil when nothing has been
// saved yet.
type Backend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.Path, err)
	}
	return &snapshot, nil
}

func (b *JSONFileBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
	saves    int
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryBackend) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	b.saves++
	return nil
}

// Saves reports how many snapshots have been written.
func (b *InMemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func cloneSnapshot(snapshot *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

type BackendFactory func(dsn string) (Backend, error)

var backendFactories = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes BuildBackendFromDSN hand DSNs with the given
// scheme to factory.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactories.mu.Lock()
	defer backendFactories.mu.Unlock()
	backendFactories.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactories.mu.RLock()
	defer backendFactories.mu.RUnlock()
	factory, ok := backendFactories.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN selects a backend by DSN scheme: file:// (or a bare
// path), memory://, postgres://, or any registered scheme. Bare paths are
// used verbatim; file:// URLs are percent-decoded.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, ok := dsnScheme(dsn)
	if !ok {
		return NewJSONFileBackend(dsn), nil
	}
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "file":
		path, ok := FilePathFromDSN(dsn)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDSN, dsn)
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

// FilePathFromDSN returns the local file a DSN points at. ok is false for
// non-file schemes and for file:// URLs that do not parse.
func FilePathFromDSN(dsn string) (path string, ok bool) {
	dsn = strings.TrimSpace(dsn)
	scheme, hasScheme := dsnScheme(dsn)
	if !hasScheme {
		return dsn, dsn != ""
	}
	if scheme != "file" {
		return "", false
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", false
	}
	path = parsed.Path
	if parsed.Host != "" && path != "" {
		// file://relative/dir/cache.json
		path = parsed.Host + path
	}
	if path == "" {
		path = parsed.Opaque
	}
	if path == "" {
		path = parsed.Host
	}
	if path == "" {
		return "", false
	}
	return filepath.FromSlash(path), true
}

// FileDSN builds a file:// DSN for path, escaping characters such as
// spaces, '%', '#' and '?' that would otherwise change its meaning.
func FileDSN(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// dsnScheme reports the scheme of a "scheme://..." DSN. Anything else,
// including Windows drive paths, is a bare file path.
func dsnScheme(dsn string) (string, bool) {
	idx := strings.Index(dsn, "://")
	if idx <= 0 {
		return "", false
	}
	scheme := dsn[:idx]
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return "", false
		}
	}
	return normalizeScheme(scheme), true
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// writeFileAtomic replaces path with data through a synced temp file in
// the same directory, so readers see either the old or the new snapshot.
func writeFileAtomic(path string, data []byte, mode os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(mode); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
