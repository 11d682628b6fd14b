// Package registry resolves which storage adapter serves a request.
//
// Resolution precedence for uploads:
//  1. an explicitly requested backend (must exist, be enabled and usable by the caller)
//  2. the caller's default backend, when it is still enabled
//  3. the global default backend
//  4. the built-in native object store bound to this process
//
// Adapters for database-configured backends are built once and kept in an expiring
// LRU keyed by backend id and updated_at, so an edited row produces a fresh adapter.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/crypto"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/telemetry"
)

// SystemBackendID is the fixed id of the storage_backends row describing the
// built-in native object store.
const SystemBackendID = "00000000-0000-0000-0000-000000000001"

const (
	defaultCacheSize = 128
	defaultCacheTTL  = 10 * time.Minute
	defaultTimeout   = 2 * time.Minute
	probeTimeout     = 10 * time.Second
	probeKey         = ".filevault-probe"
)

// BackendStore is the subset of the backend repository the registry reads.
type BackendStore interface {
	GetByID(ctx context.Context, id string) (*models.StorageBackend, error)
	GetDefault(ctx context.Context) (*models.StorageBackend, error)
	EnsureSystemBackend(ctx context.Context, id, name string) (bool, error)
}

// UserStore looks up the caller's preferred backend.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// AllocationStore seeds baseline group allocations.
type AllocationStore interface {
	EnsureBaselineAllocations(ctx context.Context, backendID string, quotaGB float64) (int64, error)
}

// Options configures a Registry.
type Options struct {
	// Native is the built-in object store, or nil when storage.native is "none".
	Native storage.Storage
	// SecretBox opens sealed credentials in backend configs. Nil leaves them as is.
	SecretBox *crypto.SecretBox
	// Timeout bounds every adapter call.
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// BaselineAllocationGB is the allocation Bootstrap gives groups that have none.
	BaselineAllocationGB float64
}

// Resolved pairs a backend row with the adapter serving it.
type Resolved struct {
	Backend *models.StorageBackend
	Storage storage.Storage
}

// BackendID returns a pointer suitable for files.storage_backend_id.
func (r *Resolved) BackendID() *string {
	id := r.Backend.ID
	return &id
}

// Registry resolves backends to adapters.
type Registry struct {
	backends BackendStore
	users    UserStore
	groups   AllocationStore
	box      *crypto.SecretBox
	native   storage.Storage
	timeout  time.Duration
	baseline float64
	cache    *expirable.LRU[string, storage.Storage]
}

// New creates a Registry.
func New(backends BackendStore, users UserStore, groups AllocationStore, opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}

	r := &Registry{
		backends: backends,
		users:    users,
		groups:   groups,
		box:      opts.SecretBox,
		timeout:  opts.Timeout,
		baseline: opts.BaselineAllocationGB,
		cache:    expirable.NewLRU[string, storage.Storage](opts.CacheSize, nil, opts.CacheTTL),
	}
	if opts.Native != nil {
		r.native = storage.WithTimeout(opts.Native, opts.Timeout, storage.TypeNativeObject)
	}
	return r
}

// HasNative reports whether a built-in object store is bound.
func (r *Registry) HasNative() bool {
	return r.native != nil
}

// Bootstrap inserts the system backend row when a native store is bound and gives
// every group without an allocation a baseline one. It only ever inserts missing
// rows, so concurrent cold starts are safe.
func (r *Registry) Bootstrap(ctx context.Context) error {
	backendID := SystemBackendID
	if r.native != nil {
		inserted, err := r.backends.EnsureSystemBackend(ctx, SystemBackendID, "Built-in object store")
		if err != nil {
			return fmt.Errorf("failed to ensure system backend: %w", err)
		}
		if inserted {
			slog.Info("registered built-in storage backend", "backend_id", SystemBackendID)
		}
	} else {
		def, err := r.backends.GetDefault(ctx)
		if err != nil {
			return fmt.Errorf("failed to load default backend: %w", err)
		}
		if def == nil {
			slog.Warn("no native store bound and no default backend configured; uploads will fail until one is added")
			return nil
		}
		backendID = def.ID
	}

	n, err := r.groups.EnsureBaselineAllocations(ctx, backendID, r.baseline)
	if err != nil {
		return fmt.Errorf("failed to ensure baseline allocations: %w", err)
	}
	if n > 0 {
		slog.Info("created baseline group allocations", "count", n, "backend_id", backendID)
	}
	return nil
}

// Resolve picks the backend for a new upload by userID.
func (r *Registry) Resolve(ctx context.Context, userID, requestedID string) (*Resolved, error) {
	if requestedID != "" {
		b, err := r.backends.GetByID(ctx, requestedID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("%w: storage backend %s", apperrors.ErrNotFound, requestedID)
		}
		if !b.UsableBy(userID) {
			return nil, fmt.Errorf("%w: storage backend %s belongs to another user", apperrors.ErrPermissionDenied, requestedID)
		}
		if !b.Enabled {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrBackendDisabled, b.Name)
		}
		return r.open(ctx, b)
	}

	user, err := r.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil && user.DefaultBackendID != nil {
		b, err := r.backends.GetByID(ctx, *user.DefaultBackendID)
		if err != nil {
			return nil, err
		}
		if b != nil && b.Enabled && b.UsableBy(userID) {
			return r.open(ctx, b)
		}
	}

	def, err := r.backends.GetDefault(ctx)
	if err != nil {
		return nil, err
	}
	if def != nil {
		return r.open(ctx, def)
	}

	if r.native != nil {
		sys, err := r.systemBackend(ctx)
		if err != nil {
			return nil, err
		}
		if sys.Enabled {
			return &Resolved{Backend: sys, Storage: r.native}, nil
		}
	}
	return nil, apperrors.ErrNoBackendConfigured
}

// ForFile returns the adapter holding f's bytes. Disabled backends still serve
// reads and deletes of files already stored on them.
func (r *Registry) ForFile(ctx context.Context, f *models.File) (*Resolved, error) {
	if f.StorageBackendID == nil {
		if r.native == nil {
			return nil, fmt.Errorf("%w: file %s is on the built-in store, which is not bound", apperrors.ErrNoBackendConfigured, f.ID)
		}
		sys, err := r.systemBackend(ctx)
		if err != nil {
			return nil, err
		}
		return &Resolved{Backend: sys, Storage: r.native}, nil
	}

	b, err := r.backends.GetByID(ctx, *f.StorageBackendID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: storage backend %s of file %s", apperrors.ErrNotFound, *f.StorageBackendID, f.ID)
	}
	return r.open(ctx, b)
}

// systemBackend returns the system row, or a synthetic one before bootstrap ran.
func (r *Registry) systemBackend(ctx context.Context) (*models.StorageBackend, error) {
	sys, err := r.backends.GetByID(ctx, SystemBackendID)
	if err != nil {
		return nil, err
	}
	if sys == nil {
		sys = &models.StorageBackend{
			ID:       SystemBackendID,
			Name:     "Built-in object store",
			Type:     storage.TypeNativeObject,
			Enabled:  true,
			IsSystem: true,
		}
	}
	return sys, nil
}

func (r *Registry) open(ctx context.Context, b *models.StorageBackend) (*Resolved, error) {
	if b.Type == storage.TypeNativeObject {
		if r.native == nil {
			return nil, fmt.Errorf("%w: backend %s needs the built-in store, which is not bound", apperrors.ErrNoBackendConfigured, b.Name)
		}
		return &Resolved{Backend: b, Storage: r.native}, nil
	}

	key := cacheKey(b)
	if s, ok := r.cache.Get(key); ok {
		telemetry.AdapterCacheHitsTotal.Inc()
		return &Resolved{Backend: b, Storage: s}, nil
	}
	telemetry.AdapterCacheMissesTotal.Inc()

	s, err := r.build(ctx, b.Type, b.Config)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, s)
	return &Resolved{Backend: b, Storage: s}, nil
}

func (r *Registry) build(ctx context.Context, backendType string, cfg storage.BackendConfig) (storage.Storage, error) {
	if err := r.OpenSecrets(&cfg); err != nil {
		return nil, err
	}
	s, err := storage.New(ctx, backendType, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", backendType, err)
	}
	return storage.WithTimeout(s, r.timeout, backendType), nil
}

// Invalidate drops cached adapters for backendID.
func (r *Registry) Invalidate(backendID string) {
	prefix := backendID + "@"
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Remove(k)
		}
	}
}

// Probe builds a throwaway adapter for cfg and checks the backend answers. The
// probe never writes.
func (r *Registry) Probe(ctx context.Context, backendType string, cfg storage.BackendConfig) error {
	var s storage.Storage
	if backendType == storage.TypeNativeObject {
		if r.native == nil {
			return apperrors.ErrNoBackendConfigured
		}
		s = r.native
	} else {
		built, err := r.build(ctx, backendType, cfg)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
		}
		s = built
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := s.Exists(ctx, probeKey); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return nil
}

// SealSecrets encrypts the credential fields of cfg in place.
func (r *Registry) SealSecrets(cfg *storage.BackendConfig) error {
	if r.box == nil {
		return nil
	}
	for _, p := range cfg.Secrets() {
		sealed, err := r.box.Seal(*p)
		if err != nil {
			return fmt.Errorf("failed to seal backend secret: %w", err)
		}
		*p = sealed
	}
	return nil
}

// OpenSecrets decrypts the credential fields of cfg in place.
func (r *Registry) OpenSecrets(cfg *storage.BackendConfig) error {
	if r.box == nil {
		return nil
	}
	for _, p := range cfg.Secrets() {
		plain, err := r.box.Open(*p)
		if err != nil {
			return fmt.Errorf("failed to open backend secret: %w", err)
		}
		*p = plain
	}
	return nil
}

func cacheKey(b *models.StorageBackend) string {
	return b.ID + "@" + strconv.FormatInt(b.UpdatedAt.UnixNano(), 10)
}
