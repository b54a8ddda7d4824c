package queue

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(dsn string, capacity int) (Queue, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterQueueFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookupQueueFactory(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[scheme]
	return factory, ok
}

// BuildQueueFromDSN returns an in-memory queue for an empty dsn.
func BuildQueueFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, capacity)
	case "amqp", "amqps":
		return NewAMQPQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: event queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
