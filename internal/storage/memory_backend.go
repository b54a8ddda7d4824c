package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/philpoore/contentstack-express/internal/content"
)

// MemoryBackend keeps JSON snapshots of each collection so callers never share state
// with it.
type MemoryBackend struct {
	mu          sync.Mutex
	collections map[CollectionKey][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: map[CollectionKey][]byte{}}
}

func (b *MemoryBackend) Load(ctx context.Context, key CollectionKey) ([]content.Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.collections[key]
	if !ok {
		return nil, false, nil
	}
	var records []content.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func (b *MemoryBackend) Save(ctx context.Context, key CollectionKey, records []content.Record) error {
	if records == nil {
		records = []content.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collections[key] = data
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key CollectionKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.collections, key)
	return nil
}

func (b *MemoryBackend) Collections(ctx context.Context, locale string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.collections))
	for key := range b.collections {
		if key.Locale == locale {
			out = append(out, key.ContentType)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
