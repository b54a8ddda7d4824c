package storage

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/cache"
	"github.com/philpoore/contentstack-express/internal/content"
)

// Deps are the collaborators a provider may need at construction.
type Deps struct {
	Cache   *cache.Cache
	Logger  *zap.Logger
	Locales []content.Locale
	Origin  EntryQuerier
	Schemas SchemaLookup
}

type ProviderFactory func(dsn string, deps Deps) (Provider, error)

var providerRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}{
	factories: map[string]ProviderFactory{},
}

// RegisterProviderFactory installs a factory for scheme; it takes precedence over the
// built-in backends.
func RegisterProviderFactory(scheme string, factory ProviderFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	providerRegistry.mu.Lock()
	defer providerRegistry.mu.Unlock()
	providerRegistry.factories[scheme] = factory
}

func lookupProviderFactory(scheme string) (ProviderFactory, bool) {
	scheme = normalizeScheme(scheme)
	providerRegistry.mu.RLock()
	defer providerRegistry.mu.RUnlock()
	factory, ok := providerRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildProviderFromDSN(dsn string, deps Deps) (Provider, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, content.E(content.KindValidation, "build provider", "storage dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupProviderFactory(scheme); ok {
		return factory(dsn, deps)
	}
	engineOpts := EngineOptions{Cache: deps.Cache, Logger: deps.Logger}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewEngine(NewFileBackend(path, deps.Locales, deps.Logger), engineOpts), nil
	case "memory", "mem", "inmem":
		return NewEngine(NewMemoryBackend(), engineOpts), nil
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn)
		if err != nil {
			return nil, err
		}
		return NewEngine(backend, engineOpts), nil
	case "sqlite":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		backend, err := OpenSQLite(path, deps.Logger)
		if err != nil {
			return nil, err
		}
		return NewEngine(backend, engineOpts), nil
	case "cdn":
		if deps.Origin == nil {
			return nil, content.E(content.KindValidation, "build provider", "cdn provider needs an origin client")
		}
		return NewCDNProvider(deps.Origin, deps.Schemas), nil
	case "mongodb", "mysql":
		return nil, fmt.Errorf("%w: storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

// DSNPath extracts the filesystem path of a file-like DSN.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	invalid := content.E(content.KindValidation, "dsn path", "dsn has no path: "+raw)
	if parsed == nil {
		return "", invalid
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", invalid
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		return "", invalid
	}
	return path, nil
}
