// factory.go maps backend type strings and native driver names to constructor
// functions registered by the adapter packages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/filevault/filevault/internal/config"
)

// FactoryFunc builds an adapter for a backend row of one type.
type FactoryFunc func(ctx context.Context, cfg BackendConfig) (Storage, error)

// NativeFactoryFunc builds the runtime's built-in object store from process config.
type NativeFactoryFunc func(ctx context.Context, cfg *config.StorageConfig) (Storage, error)

var (
	factories       = make(map[string]FactoryFunc)
	nativeFactories = make(map[string]NativeFactoryFunc)
)

// ErrNativeDisabled is returned by NewNative when storage.native is "none".
var ErrNativeDisabled = errors.New("native object store disabled")

// Register registers the adapter factory for a backend type.
func Register(backendType string, factory FactoryFunc) {
	factories[backendType] = factory
}

// RegisterNative registers a driver usable as the built-in native object store.
func RegisterNative(driver string, factory NativeFactoryFunc) {
	nativeFactories[driver] = factory
}

// New creates an adapter for a backend row. native-object rows are not built
// here; they share the single native adapter owned by the registry.
func New(ctx context.Context, backendType string, cfg BackendConfig) (Storage, error) {
	factory, ok := factories[backendType]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend type: %s (registered: %v)", backendType, registered(factories))
	}
	return factory(ctx, cfg)
}

// NewNative creates the built-in native object store selected by cfg.Native.
func NewNative(ctx context.Context, cfg *config.StorageConfig) (Storage, error) {
	if cfg.Native == "none" {
		return nil, ErrNativeDisabled
	}
	factory, ok := nativeFactories[cfg.Native]
	if !ok {
		return nil, fmt.Errorf("unsupported native storage driver: %s (registered: %v)", cfg.Native, registered(nativeFactories))
	}
	return factory(ctx, cfg)
}

func registered[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
