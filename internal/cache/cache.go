package cache

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philpoore/contentstack-express/internal/content"
)

// alwaysCached collections are mirrored regardless of index configuration.
var alwaysCached = map[string]struct{}{
	content.RoutesUID:       {},
	content.ContentTypesUID: {},
	content.AssetsUID:       {},
	content.AssetMapperUID:  {},
}

// Loader returns every persisted collection of one locale keyed by content type uid.
type Loader func(ctx context.Context, locale string) (map[string][]content.Record, error)

type Options struct {
	// Indexes limits cached copies of a content type to the listed data fields.
	Indexes       map[string][]string
	ReloadWorkers int
	Logger        *zap.Logger
}

// Cache is a per-locale, per-collection mirror of persisted records. Writers swap whole
// slices under the write lock and readers receive deep copies.
type Cache struct {
	mu      sync.RWMutex
	data    map[string]map[string][]content.Record
	indexes map[string][]string
	workers int
	logger  *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func New(opts Options) *Cache {
	indexes := make(map[string][]string, len(opts.Indexes))
	for ct, fields := range opts.Indexes {
		indexes[ct] = append([]string(nil), fields...)
	}
	workers := opts.ReloadWorkers
	if workers <= 0 {
		workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		data:    map[string]map[string][]content.Record{},
		indexes: indexes,
		workers: workers,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

func (c *Cache) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Cache) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkReady opens the cache for reads without a reload, for callers that populate it
// through Set only.
func (c *Cache) MarkReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Complete reports whether cached records of ct carry full payloads.
func (c *Cache) Complete(ct string) bool {
	if ct == content.ContentTypesUID {
		return false
	}
	_, indexed := c.indexes[ct]
	return !indexed
}

// Get returns deep copies of the records of (locale, ct) matching pred: envelope maps
// when includeEnvelope is set, data maps otherwise. ok is false when the cache is not
// ready or the collection is not cached.
func (c *Cache) Get(locale, ct string, pred content.Query, includeEnvelope bool) ([]any, bool) {
	if !c.Ready() {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	collections, ok := c.data[locale]
	if !ok {
		return nil, false
	}
	records, ok := collections[ct]
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(records))
	for _, rec := range records {
		if len(pred) > 0 && !pred.Matches(rec) {
			continue
		}
		if includeEnvelope {
			out = append(out, rec.Envelope())
			continue
		}
		out = append(out, content.CloneMap(rec.Data))
	}
	return out, true
}

// Records is Get returning records instead of generic maps.
func (c *Cache) Records(locale, ct string, pred content.Query) ([]content.Record, bool) {
	if !c.Ready() {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	records, ok := c.data[locale][ct]
	if !ok {
		return nil, false
	}
	out := make([]content.Record, 0, len(records))
	for _, rec := range records {
		if len(pred) > 0 && !pred.Matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, true
}

// Set writes into (locale, ct). With a uid the matching record is replaced by the first
// of records at the head of the collection, or dropped when records is empty. Without a
// uid the whole collection is replaced.
func (c *Cache) Set(locale, ct, uid string, records []content.Record, partial bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	collections, ok := c.data[locale]
	if !ok {
		collections = map[string][]content.Record{}
		c.data[locale] = collections
	}
	existing, present := collections[ct]
	if !c.cacheableLocked(ct, partial, present) {
		return
	}
	if uid == "" {
		next := make([]content.Record, 0, len(records))
		for _, rec := range records {
			next = append(next, c.filter(ct, rec))
		}
		collections[ct] = next
		return
	}
	next := make([]content.Record, 0, len(existing)+1)
	if len(records) > 0 {
		next = append(next, c.filter(ct, records[0]))
	}
	for _, rec := range existing {
		if rec.UID == uid {
			continue
		}
		next = append(next, rec)
	}
	collections[ct] = next
}

// Drop forgets (locale, ct) entirely.
func (c *Cache) Drop(locale, ct string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if collections, ok := c.data[locale]; ok {
		delete(collections, ct)
	}
}

func (c *Cache) cacheableLocked(ct string, partial, present bool) bool {
	if _, ok := alwaysCached[ct]; ok {
		return true
	}
	if _, ok := c.indexes[ct]; ok {
		return true
	}
	return partial || present
}

func (c *Cache) filter(ct string, rec content.Record) content.Record {
	out := rec.Clone()
	if ct == content.ContentTypesUID {
		out.Data = filterContentType(out.Data)
		return out
	}
	fields, ok := c.indexes[ct]
	if !ok {
		return out
	}
	kept := make(map[string]any, len(fields)+1)
	if uid, ok := out.Data["uid"]; ok {
		kept["uid"] = uid
	}
	for _, field := range fields {
		if v, ok := out.Data[field]; ok {
			kept[field] = v
		}
	}
	out.Data = kept
	return out
}

var (
	contentTypeKeys = []string{"uid", "title", "updated_at", "schema"}
	schemaFieldKeys = []string{"uid", "data_type", "reference_to", "schema", "blocks", "field_metadata"}
)

func filterContentType(data map[string]any) map[string]any {
	out := pick(data, contentTypeKeys)
	if schema, ok := out["schema"].([]any); ok {
		out["schema"] = filterSchema(schema)
	}
	return out
}

func filterSchema(schema []any) []any {
	out := make([]any, 0, len(schema))
	for _, item := range schema {
		field, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kept := pick(field, schemaFieldKeys)
		if nested, ok := kept["schema"].([]any); ok {
			kept["schema"] = filterSchema(nested)
		}
		if blocks, ok := kept["blocks"].([]any); ok {
			filtered := make([]any, 0, len(blocks))
			for _, b := range blocks {
				block, ok := b.(map[string]any)
				if !ok {
					continue
				}
				kb := pick(block, []string{"uid", "title", "schema"})
				if nested, ok := kb["schema"].([]any); ok {
					kb["schema"] = filterSchema(nested)
				}
				filtered = append(filtered, kb)
			}
			kept["blocks"] = filtered
		}
		out = append(out, kept)
	}
	return out
}

func pick(in map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := in[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Reload rebuilds every locale from loader and swaps the result in at once. The cache
// becomes ready after the first successful reload.
func (c *Cache) Reload(ctx context.Context, locales []string, loader Loader) error {
	results := make([]map[string][]content.Record, len(locales))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, locale := range locales {
		i, locale := i, locale
		g.Go(func() error {
			loaded, err := loader(gctx, locale)
			if err != nil {
				return err
			}
			results[i] = loaded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("cache reload failed", zap.Error(err))
		return err
	}

	next := make(map[string]map[string][]content.Record, len(locales))
	for i, locale := range locales {
		collections := map[string][]content.Record{}
		for ct, records := range results[i] {
			if !c.cacheableLocked(ct, false, false) {
				continue
			}
			filtered := make([]content.Record, 0, len(records))
			for _, rec := range records {
				filtered = append(filtered, c.filter(ct, rec))
			}
			collections[ct] = filtered
		}
		next[locale] = collections
		c.logger.Info("cache locale loaded", zap.String("locale", locale), zap.Int("collections", len(collections)))
	}
	c.mu.Lock()
	c.data = next
	c.mu.Unlock()
	c.MarkReady()
	return nil
}

// Sizes reports the number of cached records per collection of locale.
func (c *Cache) Sizes(locale string) map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.data[locale]))
	for ct, records := range c.data[locale] {
		out[ct] = len(records)
	}
	return out
}

// Collections lists cached collection names of locale in sorted order.
func (c *Cache) Collections(locale string) []string {
	sizes := c.Sizes(locale)
	out := make([]string, 0, len(sizes))
	for ct := range sizes {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}
