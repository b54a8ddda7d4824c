package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/cache"
	"github.com/philpoore/contentstack-express/internal/content"
)

type CollectionKey struct {
	Locale      string
	ContentType string
}

// CollectionBackend persists whole collections. Engine layers record semantics,
// querying and reference expansion on top of it.
type CollectionBackend interface {
	Load(ctx context.Context, key CollectionKey) ([]content.Record, bool, error)
	Save(ctx context.Context, key CollectionKey, records []content.Record) error
	Delete(ctx context.Context, key CollectionKey) error
	Collections(ctx context.Context, locale string) ([]string, error)
	Close() error
}

// Watcher is implemented by backends that can report collections changed outside the
// engine.
type Watcher interface {
	Watch(ctx context.Context, changed func(CollectionKey)) error
}

type EngineOptions struct {
	Cache       *cache.Cache
	Logger      *zap.Logger
	ExpandLimit int
}

type Engine struct {
	backend     CollectionBackend
	cache       *cache.Cache
	logger      *zap.Logger
	expandLimit int

	// mu serialises read-modify-write cycles on collections.
	mu sync.Mutex
}

func NewEngine(backend CollectionBackend, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.ExpandLimit
	if limit <= 0 {
		limit = 5
	}
	return &Engine{
		backend:     backend,
		cache:       opts.Cache,
		logger:      logger,
		expandLimit: limit,
	}
}

func (e *Engine) Backend() CollectionBackend {
	return e.backend
}

func (e *Engine) load(ctx context.Context, key CollectionKey) ([]content.Record, bool, error) {
	if e.cache != nil && e.cache.Complete(key.ContentType) {
		if records, ok := e.cache.Records(key.Locale, key.ContentType, nil); ok {
			return records, true, nil
		}
	}
	records, exists, err := e.backend.Load(ctx, key)
	if err != nil {
		return nil, false, content.Wrap(content.KindStorageIO, "load "+key.ContentType, err)
	}
	return records, exists, nil
}

func (e *Engine) save(ctx context.Context, key CollectionKey, records []content.Record, uid string, changed []content.Record) error {
	if err := e.backend.Save(ctx, key, records); err != nil {
		return content.Wrap(content.KindStorageIO, "save "+key.ContentType, err)
	}
	if e.cache != nil {
		if uid != "" {
			e.cache.Set(key.Locale, key.ContentType, uid, changed, false)
		} else {
			e.cache.Set(key.Locale, key.ContentType, "", records, false)
		}
	}
	return nil
}

func (e *Engine) Find(ctx context.Context, q Query, opts FindOptions) (FindResult, error) {
	if err := q.validate("find"); err != nil {
		return FindResult{}, err
	}
	return e.find(ctx, q, opts, map[string][]string{}, "")
}

func (e *Engine) find(ctx context.Context, q Query, opts FindOptions, references map[string][]string, parentID string) (FindResult, error) {
	key := CollectionKey{Locale: q.Locale, ContentType: q.ContentType}
	records, _, err := e.load(ctx, key)
	if err != nil {
		return FindResult{}, err
	}
	matched := filterRecords(records, q)
	sortRecords(matched, opts.Sort)
	total := len(matched)
	matched = window(matched, opts.Skip, opts.Limit)

	entries := make([]map[string]any, 0, len(matched))
	uids := make([]string, 0, len(matched))
	for _, rec := range matched {
		entries = append(entries, content.CloneMap(rec.Data))
		uids = append(uids, rec.UID)
	}
	if parentID != "" {
		content.AddReferences(references, parentID, uids)
	}
	if q.includeReferences() {
		for _, entry := range entries {
			if err := e.expandEntry(ctx, q.Locale, entry, references); err != nil {
				return FindResult{}, err
			}
		}
	}
	result := FindResult{Entries: entries}
	if q.IncludeCount {
		result.Count = &total
	}
	return result, nil
}

func (e *Engine) FindOne(ctx context.Context, q Query) (FindOneResult, error) {
	if err := q.validate("find one"); err != nil {
		return FindOneResult{}, err
	}
	result, err := e.find(ctx, q, FindOptions{Limit: 1}, map[string][]string{}, "")
	if err != nil {
		return FindOneResult{}, err
	}
	if len(result.Entries) == 0 {
		return FindOneResult{}, nil
	}
	return FindOneResult{Entry: result.Entries[0]}, nil
}

func (e *Engine) Count(ctx context.Context, q Query) (int, error) {
	if err := q.validate("count"); err != nil {
		return 0, err
	}
	records, _, err := e.load(ctx, CollectionKey{Locale: q.Locale, ContentType: q.ContentType})
	if err != nil {
		return 0, err
	}
	return len(filterRecords(records, q)), nil
}

func (e *Engine) Insert(ctx context.Context, rec content.Record) (int, error) {
	if err := validateRecord("insert", rec); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := CollectionKey{Locale: rec.Locale, ContentType: rec.ContentType}
	records, _, err := e.load(ctx, key)
	if err != nil {
		return 0, err
	}
	for _, existing := range records {
		if existing.UID == rec.UID {
			return 0, content.E(content.KindDataConflict, "insert", "Data already exists for "+rec.ContentType+"/"+rec.UID)
		}
	}
	rec = rec.Clone()
	next := append([]content.Record{rec}, records...)
	if err := e.save(ctx, key, next, rec.UID, []content.Record{rec}); err != nil {
		return 0, err
	}
	return 1, nil
}

func (e *Engine) Upsert(ctx context.Context, rec content.Record) (int, error) {
	if err := validateRecord("upsert", rec); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := CollectionKey{Locale: rec.Locale, ContentType: rec.ContentType}
	records, _, err := e.load(ctx, key)
	if err != nil {
		return 0, err
	}
	rec = rec.Clone()
	next := make([]content.Record, 0, len(records)+1)
	next = append(next, rec)
	for _, existing := range records {
		if existing.UID != rec.UID {
			next = append(next, existing)
		}
	}
	if err := e.save(ctx, key, next, rec.UID, []content.Record{rec}); err != nil {
		return 0, err
	}
	return 1, nil
}

// Remove deletes one record when q names a uid, the matching records when q carries a
// predicate, and the whole collection (plus its routes) otherwise.
func (e *Engine) Remove(ctx context.Context, q Query) (int, error) {
	if q.ContentType == "" {
		return 0, nil
	}
	if err := q.validate("remove"); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := CollectionKey{Locale: q.Locale, ContentType: q.ContentType}

	if q.UID == "" && len(q.Where) == 0 {
		if err := e.backend.Delete(ctx, key); err != nil {
			return 0, content.Wrap(content.KindStorageIO, "remove "+q.ContentType, err)
		}
		if e.cache != nil {
			e.cache.Drop(q.Locale, q.ContentType)
		}
		if q.ContentType != content.RoutesUID {
			if err := e.stripRoutes(ctx, q.Locale, q.ContentType); err != nil {
				return 0, err
			}
		}
		return 1, nil
	}

	records, exists, err := e.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 1, nil
	}
	next := make([]content.Record, 0, len(records))
	removed := 0
	for _, rec := range records {
		if matchesRecord(rec, q) {
			removed++
			continue
		}
		next = append(next, rec)
	}
	if removed == 0 {
		return 0, nil
	}
	uid := ""
	if q.UID != "" && removed == 1 {
		uid = q.UID
	}
	if err := e.save(ctx, key, next, uid, nil); err != nil {
		return 0, err
	}
	return removed, nil
}

func (e *Engine) stripRoutes(ctx context.Context, locale, ct string) error {
	key := CollectionKey{Locale: locale, ContentType: content.RoutesUID}
	routes, exists, err := e.load(ctx, key)
	if err != nil || !exists {
		return err
	}
	next := make([]content.Record, 0, len(routes))
	for _, route := range routes {
		if routeContentType(route.Data) == ct {
			continue
		}
		next = append(next, route)
	}
	if len(next) == len(routes) {
		return nil
	}
	return e.save(ctx, key, next, "", nil)
}

func routeContentType(data map[string]any) string {
	if ct, ok := data["content_type"].(map[string]any); ok {
		return content.StringValue(ct["uid"])
	}
	return content.StringValue(data["content_type_uid"])
}

func (e *Engine) BulkInsert(ctx context.Context, b BulkInsert) (int, error) {
	if err := (Query{ContentType: b.ContentType, Locale: b.Locale}).validate("bulk insert"); err != nil {
		return 0, err
	}
	records := make([]content.Record, 0, len(b.Records))
	for _, data := range b.Records {
		uid := recordUID(data)
		if uid == "" {
			return 0, content.E(content.KindValidation, "bulk insert", "record uid is required")
		}
		records = append(records, content.Record{
			UID:         uid,
			ContentType: b.ContentType,
			Locale:      b.Locale,
			Data:        content.CloneMap(data),
		})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.save(ctx, CollectionKey{Locale: b.Locale, ContentType: b.ContentType}, records, "", nil); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (e *Engine) Close() error {
	return e.backend.Close()
}

// LoadLocale reads every collection of locale; it is the cache loader.
func (e *Engine) LoadLocale(ctx context.Context, locale string) (map[string][]content.Record, error) {
	names, err := e.backend.Collections(ctx, locale)
	if err != nil {
		return nil, content.Wrap(content.KindStorageIO, "list collections", err)
	}
	out := make(map[string][]content.Record, len(names))
	for _, ct := range names {
		records, _, err := e.backend.Load(ctx, CollectionKey{Locale: locale, ContentType: ct})
		if err != nil {
			return nil, content.Wrap(content.KindStorageIO, "load "+ct, err)
		}
		out[ct] = records
	}
	return out, nil
}

// Watch forwards out-of-band collection changes from the backend into the cache. It
// returns immediately when the backend cannot watch.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, ok := e.backend.(Watcher)
	if !ok || e.cache == nil {
		return nil
	}
	return watcher.Watch(ctx, func(key CollectionKey) {
		e.mu.Lock()
		defer e.mu.Unlock()
		records, exists, err := e.backend.Load(ctx, key)
		if err != nil {
			e.logger.Warn("reload changed collection failed",
				zap.String("locale", key.Locale),
				zap.String("content_type", key.ContentType),
				zap.Error(err),
			)
			return
		}
		if !exists {
			e.cache.Drop(key.Locale, key.ContentType)
			e.logger.Debug("collection removed from disk",
				zap.String("locale", key.Locale),
				zap.String("content_type", key.ContentType),
			)
			return
		}
		e.cache.Set(key.Locale, key.ContentType, "", records, false)
		e.logger.Debug("collection reloaded from disk",
			zap.String("locale", key.Locale),
			zap.String("content_type", key.ContentType),
			zap.Int("records", len(records)),
		)
	})
}

func validateRecord(op string, rec content.Record) error {
	if err := (Query{ContentType: rec.ContentType, Locale: rec.Locale}).validate(op); err != nil {
		return err
	}
	if rec.UID == "" {
		return content.E(content.KindValidation, op, "uid is required")
	}
	return nil
}

func matchesRecord(rec content.Record, q Query) bool {
	if q.UID != "" && rec.UID != q.UID {
		return false
	}
	if len(q.Where) > 0 && !q.Where.Matches(rec) {
		return false
	}
	return true
}

func filterRecords(records []content.Record, q Query) []content.Record {
	out := make([]content.Record, 0, len(records))
	for _, rec := range records {
		if matchesRecord(rec, q) {
			out = append(out, rec)
		}
	}
	return out
}

var defaultSort = []SortKey{{Field: "published_at", Desc: true}}

// sortRecords orders records stably; records missing a sort field go last.
func sortRecords(records []content.Record, keys []SortKey) {
	if len(keys) == 0 {
		keys = defaultSort
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, key := range keys {
			a, okA := content.Lookup(records[i].Data, key.Field)
			b, okB := content.Lookup(records[j].Data, key.Field)
			switch {
			case !okA && !okB:
				continue
			case !okA:
				return false
			case !okB:
				return true
			}
			c, ok := content.Compare(a, b)
			if !ok || c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func window(records []content.Record, skip, limit int) []content.Record {
	if skip > 0 {
		if skip >= len(records) {
			return nil
		}
		records = records[skip:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
