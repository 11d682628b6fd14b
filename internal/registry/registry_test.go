package registry

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/crypto"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/storage"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStorage struct {
	name      string
	cfg       storage.BackendConfig
	existsErr error
}

func (f *fakeStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) (*storage.UploadResult, error) {
	n, _ := io.Copy(io.Discard, r)
	return &storage.UploadResult{Key: key, Size: n}, nil
}
func (f *fakeStorage) Download(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.name)), nil
}
func (f *fakeStorage) Delete(context.Context, string) error { return nil }
func (f *fakeStorage) GetURL(context.Context, string, time.Duration) (string, error) {
	return "", apperrors.ErrNotImplemented
}
func (f *fakeStorage) Exists(context.Context, string) (bool, error) { return false, f.existsErr }

var (
	webdavBuilds  atomic.Int32
	lastWebDAVCfg atomic.Value
)

func init() {
	storage.Register(storage.TypeWebDAV, func(_ context.Context, cfg storage.BackendConfig) (storage.Storage, error) {
		webdavBuilds.Add(1)
		lastWebDAVCfg.Store(cfg)
		if cfg.WebDAVURL == "broken" {
			return nil, errors.New("bad url")
		}
		return &fakeStorage{name: "webdav", cfg: cfg}, nil
	})
}

type fakeBackends struct {
	rows       map[string]*models.StorageBackend
	ensureRuns int
}

func (f *fakeBackends) GetByID(_ context.Context, id string) (*models.StorageBackend, error) {
	return f.rows[id], nil
}

func (f *fakeBackends) GetDefault(context.Context) (*models.StorageBackend, error) {
	for _, b := range f.rows {
		if b.IsDefault && b.Enabled {
			return b, nil
		}
	}
	return nil, nil
}

func (f *fakeBackends) EnsureSystemBackend(_ context.Context, id, name string) (bool, error) {
	f.ensureRuns++
	if _, ok := f.rows[id]; ok {
		return false, nil
	}
	hasDefault := false
	for _, b := range f.rows {
		hasDefault = hasDefault || b.IsDefault
	}
	f.rows[id] = &models.StorageBackend{ID: id, Name: name, Type: storage.TypeNativeObject, Enabled: true, IsSystem: true, IsDefault: !hasDefault}
	return true, nil
}

type fakeUsers map[string]*models.User

func (f fakeUsers) GetUserByID(_ context.Context, id string) (*models.User, error) { return f[id], nil }

type fakeGroups struct {
	backendID string
	quotaGB   float64
	calls     int
}

func (f *fakeGroups) EnsureBaselineAllocations(_ context.Context, backendID string, quotaGB float64) (int64, error) {
	f.calls++
	f.backendID, f.quotaGB = backendID, quotaGB
	return 1, nil
}

func strPtr(s string) *string { return &s }

func webdavBackend(id string, enabled, isDefault bool, owner *string) *models.StorageBackend {
	return &models.StorageBackend{
		ID: id, Name: id, Type: storage.TypeWebDAV, Enabled: enabled, IsDefault: isDefault, OwnerID: owner,
		Config:    storage.BackendConfig{WebDAVURL: "https://dav.example.com/" + id},
		UpdatedAt: time.Unix(1700000000, 0),
	}
}

func newTestRegistry(rows map[string]*models.StorageBackend, users fakeUsers, native storage.Storage) (*Registry, *fakeBackends, *fakeGroups) {
	backends := &fakeBackends{rows: rows}
	groups := &fakeGroups{}
	return New(backends, users, groups, Options{Native: native, BaselineAllocationGB: 5}), backends, groups
}

func unwrap(s storage.Storage) storage.Storage {
	if u, ok := s.(interface{ Unwrap() storage.Storage }); ok {
		return u.Unwrap()
	}
	return s
}

// ---------------------------------------------------------------------------
// Resolve precedence
// ---------------------------------------------------------------------------

func TestResolve_RequestedBackend(t *testing.T) {
	rows := map[string]*models.StorageBackend{"b1": webdavBackend("b1", true, false, nil)}
	r, _, _ := newTestRegistry(rows, fakeUsers{}, nil)

	res, err := r.Resolve(context.Background(), "u1", "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", res.Backend.ID)
	assert.Equal(t, "b1", *res.BackendID())
	assert.IsType(t, &fakeStorage{}, unwrap(res.Storage))
}

func TestResolve_RequestedBackendErrors(t *testing.T) {
	rows := map[string]*models.StorageBackend{
		"off":     webdavBackend("off", false, false, nil),
		"private": webdavBackend("private", true, false, strPtr("u2")),
	}
	r, _, _ := newTestRegistry(rows, fakeUsers{}, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "u1", "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = r.Resolve(ctx, "u1", "off")
	assert.ErrorIs(t, err, apperrors.ErrBackendDisabled)

	_, err = r.Resolve(ctx, "u1", "private")
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)

	_, err = r.Resolve(ctx, "u2", "private")
	assert.NoError(t, err)
}

func TestResolve_UserDefaultBeatsGlobalDefault(t *testing.T) {
	rows := map[string]*models.StorageBackend{
		"global": webdavBackend("global", true, true, nil),
		"mine":   webdavBackend("mine", true, false, strPtr("u1")),
	}
	users := fakeUsers{"u1": {ID: "u1", DefaultBackendID: strPtr("mine")}}
	r, _, _ := newTestRegistry(rows, users, nil)

	res, err := r.Resolve(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "mine", res.Backend.ID)
}

func TestResolve_DisabledUserDefaultFallsThrough(t *testing.T) {
	rows := map[string]*models.StorageBackend{
		"global": webdavBackend("global", true, true, nil),
		"mine":   webdavBackend("mine", false, false, strPtr("u1")),
	}
	users := fakeUsers{"u1": {ID: "u1", DefaultBackendID: strPtr("mine")}}
	r, _, _ := newTestRegistry(rows, users, nil)

	res, err := r.Resolve(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "global", res.Backend.ID)
}

func TestResolve_NativeFallback(t *testing.T) {
	native := &fakeStorage{name: "native"}
	r, _, _ := newTestRegistry(map[string]*models.StorageBackend{}, fakeUsers{}, native)

	res, err := r.Resolve(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, SystemBackendID, res.Backend.ID)
	assert.True(t, res.Backend.IsSystem)
	assert.Same(t, native, unwrap(res.Storage))
}

func TestResolve_NothingConfigured(t *testing.T) {
	r, _, _ := newTestRegistry(map[string]*models.StorageBackend{}, fakeUsers{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "")
	assert.ErrorIs(t, err, apperrors.ErrNoBackendConfigured)
}

func TestResolve_DisabledSystemRowBlocksFallback(t *testing.T) {
	rows := map[string]*models.StorageBackend{
		SystemBackendID: {ID: SystemBackendID, Type: storage.TypeNativeObject, IsSystem: true, Enabled: false},
	}
	r, _, _ := newTestRegistry(rows, fakeUsers{}, &fakeStorage{})

	_, err := r.Resolve(context.Background(), "u1", "")
	assert.ErrorIs(t, err, apperrors.ErrNoBackendConfigured)
}

func TestResolve_NativeRowWithoutNativeStore(t *testing.T) {
	rows := map[string]*models.StorageBackend{
		"n": {ID: "n", Type: storage.TypeNativeObject, Enabled: true, IsDefault: true},
	}
	r, _, _ := newTestRegistry(rows, fakeUsers{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "")
	assert.ErrorIs(t, err, apperrors.ErrNoBackendConfigured)
}

// ---------------------------------------------------------------------------
// ForFile
// ---------------------------------------------------------------------------

func TestForFile(t *testing.T) {
	rows := map[string]*models.StorageBackend{"off": webdavBackend("off", false, false, nil)}
	native := &fakeStorage{name: "native"}
	r, _, _ := newTestRegistry(rows, fakeUsers{}, native)
	ctx := context.Background()

	res, err := r.ForFile(ctx, &models.File{ID: "f1"})
	require.NoError(t, err)
	assert.Same(t, native, unwrap(res.Storage))

	res, err = r.ForFile(ctx, &models.File{ID: "f2", StorageBackendID: strPtr("off")})
	require.NoError(t, err, "disabled backends still serve existing files")
	assert.Equal(t, "off", res.Backend.ID)

	_, err = r.ForFile(ctx, &models.File{ID: "f3", StorageBackendID: strPtr("gone")})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Adapter cache
// ---------------------------------------------------------------------------

func TestOpen_CachesUntilRowChanges(t *testing.T) {
	b := webdavBackend("cached", true, false, nil)
	rows := map[string]*models.StorageBackend{"cached": b}
	r, _, _ := newTestRegistry(rows, fakeUsers{}, nil)
	ctx := context.Background()

	before := webdavBuilds.Load()
	first, err := r.Resolve(ctx, "u1", "cached")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "u1", "cached")
	require.NoError(t, err)
	assert.Same(t, first.Storage, second.Storage)
	assert.Equal(t, before+1, webdavBuilds.Load())

	b.UpdatedAt = b.UpdatedAt.Add(time.Second)
	third, err := r.Resolve(ctx, "u1", "cached")
	require.NoError(t, err)
	assert.NotSame(t, first.Storage, third.Storage)

	r.Invalidate("cached")
	assert.Equal(t, 0, r.cache.Len())
}

func TestOpen_BuildError(t *testing.T) {
	b := webdavBackend("bad", true, false, nil)
	b.Config.WebDAVURL = "broken"
	r, _, _ := newTestRegistry(map[string]*models.StorageBackend{"bad": b}, fakeUsers{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "bad")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

func TestSecrets_SealedOnWriteOpenedOnBuild(t *testing.T) {
	box, err := crypto.FromKeyString("registry-test-passphrase")
	require.NoError(t, err)
	backends := &fakeBackends{rows: map[string]*models.StorageBackend{}}
	r := New(backends, fakeUsers{}, &fakeGroups{}, Options{SecretBox: box})

	cfg := storage.BackendConfig{WebDAVURL: "https://dav", Password: "hunter2"}
	require.NoError(t, r.SealSecrets(&cfg))
	assert.True(t, crypto.IsSealed(cfg.Password))

	b := webdavBackend("sealed", true, false, nil)
	b.Config = cfg
	backends.rows["sealed"] = b

	_, err = r.Resolve(context.Background(), "u1", "sealed")
	require.NoError(t, err)
	built := lastWebDAVCfg.Load().(storage.BackendConfig)
	assert.Equal(t, "hunter2", built.Password)
	assert.True(t, crypto.IsSealed(b.Config.Password), "row config must stay sealed")
}

// ---------------------------------------------------------------------------
// Bootstrap / Probe
// ---------------------------------------------------------------------------

func TestBootstrap_Idempotent(t *testing.T) {
	r, backends, groups := newTestRegistry(map[string]*models.StorageBackend{}, fakeUsers{}, &fakeStorage{})
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Bootstrap(ctx))

	assert.Len(t, backends.rows, 1)
	sys := backends.rows[SystemBackendID]
	require.NotNil(t, sys)
	assert.True(t, sys.IsDefault)
	assert.Equal(t, 2, groups.calls)
	assert.Equal(t, SystemBackendID, groups.backendID)
	assert.Equal(t, 5.0, groups.quotaGB)
}

func TestBootstrap_KeepsExistingDefault(t *testing.T) {
	rows := map[string]*models.StorageBackend{"global": webdavBackend("global", true, true, nil)}
	r, backends, _ := newTestRegistry(rows, fakeUsers{}, &fakeStorage{})

	require.NoError(t, r.Bootstrap(context.Background()))
	assert.False(t, backends.rows[SystemBackendID].IsDefault)
}

func TestBootstrap_WithoutNativeUsesDefault(t *testing.T) {
	rows := map[string]*models.StorageBackend{"global": webdavBackend("global", true, true, nil)}
	r, backends, groups := newTestRegistry(rows, fakeUsers{}, nil)

	require.NoError(t, r.Bootstrap(context.Background()))
	assert.Equal(t, 0, backends.ensureRuns)
	assert.Equal(t, "global", groups.backendID)
}

func TestProbe(t *testing.T) {
	r, _, _ := newTestRegistry(map[string]*models.StorageBackend{}, fakeUsers{}, &fakeStorage{existsErr: apperrors.ErrIO})
	ctx := context.Background()

	assert.NoError(t, r.Probe(ctx, storage.TypeWebDAV, storage.BackendConfig{WebDAVURL: "https://dav"}))
	assert.ErrorIs(t, r.Probe(ctx, storage.TypeWebDAV, storage.BackendConfig{WebDAVURL: "broken"}), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, r.Probe(ctx, storage.TypeNativeObject, storage.BackendConfig{}), apperrors.ErrIO)
}
