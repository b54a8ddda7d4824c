// Package mapper maintains the per-locale reverse index from asset uid to the entries
// and field paths embedding it.
package mapper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/storage"
)

// Map is content type uid → entry uid → asset uid → field paths.
type Map map[string]map[string]map[string][]string

// Reference is one entry embedding a tracked asset.
type Reference struct {
	ContentType string
	EntryUID    string
	Paths       []string
}

type Options struct {
	Store  storage.Provider
	Assets content.AssetsConfig
	Logger *zap.Logger
}

type Mapper struct {
	mu     sync.Mutex
	store  storage.Provider
	assets content.AssetsConfig
	logger *zap.Logger
}

func New(opts Options) *Mapper {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{store: opts.Store, assets: opts.Assets, logger: logger}
}

// Load returns the stored map of locale, empty when none was persisted yet.
func (m *Mapper) Load(ctx context.Context, locale string) (Map, error) {
	result, err := m.store.FindOne(ctx, storage.Query{
		ContentType: content.AssetMapperUID,
		Locale:      locale,
		UID:         content.AssetMapperRecordUID,
	}.WithoutReferences())
	if err != nil {
		return nil, fmt.Errorf("failed to read asset mapper: %w", err)
	}
	return decode(result.Entry), nil
}

func (m *Mapper) save(ctx context.Context, locale string, mapped Map) error {
	_, err := m.store.Upsert(ctx, content.Record{
		UID:         content.AssetMapperRecordUID,
		ContentType: content.AssetMapperUID,
		Locale:      locale,
		Data:        encode(mapped),
	})
	if err != nil {
		return fmt.Errorf("error upserting asset mapper: %w", err)
	}
	return nil
}

// PublishEntry records the assets of entry under map[ct][entry uid]. seen carries
// assets found before embedded URLs were localized (see EntryAssets); they are merged
// with what entry still names.
func (m *Mapper) PublishEntry(ctx context.Context, locale, ct string, entry map[string]any, schema []content.Field, seen map[string][]string) error {
	uid := content.StringValue(entry["uid"])
	if uid == "" {
		return content.E(content.KindValidation, "map entry assets", "entry uid is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mapped, err := m.Load(ctx, locale)
	if err != nil {
		return err
	}
	if mapped[ct] == nil {
		mapped[ct] = map[string]map[string][]string{}
	}
	tracked := EntryAssets(schema, entry)
	for assetUID, paths := range seen {
		for _, p := range paths {
			if !containsString(tracked[assetUID], p) {
				tracked[assetUID] = append(tracked[assetUID], p)
			}
		}
	}
	mapped[ct][uid] = tracked
	m.logger.Debug("asset mapper updated", zap.String("locale", locale), zap.String("content_type", ct), zap.String("entry", uid))
	return m.save(ctx, locale, mapped)
}

func (m *Mapper) RemoveEntry(ctx context.Context, locale, ct, entryUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapped, err := m.Load(ctx, locale)
	if err != nil {
		return err
	}
	entries, ok := mapped[ct]
	if !ok {
		return nil
	}
	if _, ok := entries[entryUID]; !ok {
		return nil
	}
	delete(entries, entryUID)
	return m.save(ctx, locale, mapped)
}

func (m *Mapper) RemoveContentType(ctx context.Context, locale, ct string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapped, err := m.Load(ctx, locale)
	if err != nil {
		return err
	}
	if _, ok := mapped[ct]; !ok {
		return nil
	}
	delete(mapped, ct)
	return m.save(ctx, locale, mapped)
}

// UpdateAssetReferences rewrites the asset objects embedded by every tracked entry, one
// locale at a time. On publish metadata (with its _internal_url) is merged in; on
// unpublish objects are reduced to {uid, filename}; on delete they are cleared and the
// asset is dropped from the map. URLs embedded in text follow the same way; on unpublish
// metadata may carry the stored asset, whose url the text falls back to.
func (m *Mapper) UpdateAssetReferences(ctx context.Context, assetUID string, locales []content.Locale, remove bool, metadata map[string]any, action content.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, locale := range locales {
		if err := m.updateLocale(ctx, assetUID, locale, remove, metadata, action); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) updateLocale(ctx context.Context, assetUID string, locale content.Locale, remove bool, metadata map[string]any, action content.Action) error {
	builder := content.NewAssetURLBuilder(m.assets, locale)
	if !remove {
		metadata = content.CloneMap(metadata)
		internalURL, err := builder.URL(metadata)
		if err != nil {
			return err
		}
		metadata["_internal_url"] = internalURL
	}
	rewrite := textRewrite(assetUID, builder.Join(nil), remove, metadata, action)
	mapped, err := m.Load(ctx, locale.Code)
	if err != nil {
		return err
	}
	refs := Track(mapped, assetUID)
	if len(refs) == 0 {
		m.logger.Debug("asset is not referenced", zap.String("asset", assetUID), zap.String("locale", locale.Code))
		return nil
	}
	for _, group := range groupByContentType(refs) {
		if err := m.updateEntries(ctx, assetUID, locale.Code, group, remove, metadata, action, rewrite); err != nil {
			return err
		}
	}
	if remove && action == content.ActionDelete && Untrack(mapped, assetUID) {
		return m.save(ctx, locale.Code, mapped)
	}
	return nil
}

func (m *Mapper) updateEntries(ctx context.Context, assetUID, locale string, group []Reference, remove bool, metadata map[string]any, action content.Action, rewrite func(string) string) error {
	ct := group[0].ContentType
	result, err := m.store.Find(ctx, storage.Query{ContentType: ct, Locale: locale}.WithoutReferences(), storage.FindOptions{})
	if err != nil {
		return fmt.Errorf("could not read %s entries for asset references: %w", ct, err)
	}
	if len(result.Entries) == 0 {
		return nil
	}
	paths := make(map[string][]string, len(group))
	for _, ref := range group {
		paths[ref.EntryUID] = ref.Paths
	}
	for _, entry := range result.Entries {
		for _, p := range paths[content.StringValue(entry["uid"])] {
			path := strings.Split(p, ".")
			Modify(GetAssets(entry, path), remove, assetUID, metadata, action)
			if rewrite != nil {
				ModifyText(entry, path, rewrite)
			}
		}
	}
	if action == content.ActionDelete {
		CleanEntries(result.Entries)
	}
	if _, err := m.store.BulkInsert(ctx, storage.BulkInsert{ContentType: ct, Locale: locale, Records: result.Entries}); err != nil {
		return fmt.Errorf("failed to write back %s entries referencing %s: %w", ct, assetUID, err)
	}
	m.logger.Info("asset references updated",
		zap.String("asset", assetUID),
		zap.String("locale", locale),
		zap.String("content_type", ct),
		zap.Int("entries", len(group)),
	)
	return nil
}

func groupByContentType(refs []Reference) [][]Reference {
	var groups [][]Reference
	index := map[string]int{}
	for _, ref := range refs {
		i, ok := index[ref.ContentType]
		if !ok {
			i = len(groups)
			index[ref.ContentType] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ref)
	}
	return groups
}

// EntryAssets maps each asset uid of entry to the unique paths it appears under: file
// fields holding the asset object and text fields embedding its origin URL.
func EntryAssets(schema []content.Field, entry map[string]any) map[string][]string {
	out := map[string][]string{}
	add := func(uid, p string) {
		if uid != "" && !containsString(out[uid], p) {
			out[uid] = append(out[uid], p)
		}
	}
	for _, p := range content.FindReferences(schema) {
		for _, found := range GetAssets(entry, strings.Split(p, ".")) {
			for _, obj := range assetObjects(found) {
				add(content.StringValue(obj["uid"]), p)
			}
		}
	}
	content.WalkSchema(schema, func(path content.Path, field content.Field) {
		if field.DataType != content.DataTypeText {
			return
		}
		for _, found := range GetAssets(entry, path) {
			for _, text := range textValues(found) {
				for _, ref := range content.EmbeddedAssets(text, field.FieldMetadata.Markdown) {
					add(ref.UID, path.String())
				}
			}
		}
	})
	return out
}

func textValues(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func assetObjects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t["uid"]; ok {
			return []map[string]any{t}
		}
	case []any:
		var out []map[string]any
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				if _, ok := obj["uid"]; ok {
					out = append(out, obj)
				}
			}
		}
		return out
	}
	return nil
}

// GetAssets collects the values found at path in entry, walking arrays element-wise.
func GetAssets(entry any, path []string) []any {
	var found []any
	var walk func(node any, i int)
	walk = func(node any, i int) {
		switch t := node.(type) {
		case []any:
			for _, item := range t {
				walk(item, i)
			}
		case map[string]any:
			value, ok := t[path[i]]
			if !ok {
				return
			}
			if i == len(path)-1 {
				found = append(found, value)
				return
			}
			walk(value, i+1)
		}
	}
	if len(path) > 0 {
		walk(entry, 0)
	}
	return found
}

// Track lists the entries whose mapping names assetUID, ordered by content type then
// entry uid.
func Track(mapped Map, assetUID string) []Reference {
	var refs []Reference
	for _, ct := range sortedKeys(mapped) {
		entries := mapped[ct]
		entryUIDs := make([]string, 0, len(entries))
		for uid := range entries {
			entryUIDs = append(entryUIDs, uid)
		}
		sort.Strings(entryUIDs)
		for _, entryUID := range entryUIDs {
			paths := entries[entryUID][assetUID]
			if len(paths) == 0 {
				continue
			}
			refs = append(refs, Reference{ContentType: ct, EntryUID: entryUID, Paths: append([]string(nil), paths...)})
		}
	}
	return refs
}

// Untrack drops assetUID from every entry mapping and reports whether anything changed.
func Untrack(mapped Map, assetUID string) bool {
	changed := false
	for _, entries := range mapped {
		for _, assets := range entries {
			if _, ok := assets[assetUID]; ok {
				delete(assets, assetUID)
				changed = true
			}
		}
	}
	return changed
}

// Modify rewrites asset objects (maps carrying uid and filename) found anywhere under
// node in place.
func Modify(node any, remove bool, assetUID string, metadata map[string]any, action content.Action) {
	switch t := node.(type) {
	case []any:
		for _, item := range t {
			Modify(item, remove, assetUID, metadata, action)
		}
	case map[string]any:
		_, hasFilename := t["filename"]
		_, hasUID := t["uid"]
		if !hasFilename || !hasUID {
			for _, v := range t {
				Modify(v, remove, assetUID, metadata, action)
			}
			return
		}
		uid := content.StringValue(t["uid"])
		switch {
		case !remove && metadata != nil && uid == content.StringValue(metadata["uid"]):
			for k, v := range metadata {
				t[k] = content.Clone(v)
			}
		case remove && uid == assetUID && action == content.ActionDelete:
			for k := range t {
				delete(t, k)
			}
		case remove && uid == assetUID:
			for k := range t {
				if k != "uid" && k != "filename" {
					delete(t, k)
				}
			}
		}
	}
}

// textRewrite returns how text embedding assetUID changes: publish points it at the
// local copy, unpublish back at the origin URL and delete drops the URL. Nil leaves
// text untouched.
func textRewrite(assetUID, localPrefix string, remove bool, metadata map[string]any, action content.Action) func(string) string {
	var replacement string
	switch {
	case !remove:
		replacement = content.StringValue(metadata["_internal_url"])
	case action == content.ActionDelete:
		replacement = ""
	default:
		replacement = content.StringValue(metadata["url"])
		if replacement == "" {
			return nil
		}
	}
	return func(text string) string {
		return content.RewriteAssetURLs(text, assetUID, localPrefix, replacement)
	}
}

// ModifyText applies rewrite to every string found at path in entry, in place.
func ModifyText(entry any, path []string, rewrite func(string) string) {
	if len(path) == 0 {
		return
	}
	var walk func(node any, i int)
	walk = func(node any, i int) {
		switch t := node.(type) {
		case []any:
			for _, item := range t {
				walk(item, i)
			}
		case map[string]any:
			value, ok := t[path[i]]
			if !ok {
				return
			}
			if i < len(path)-1 {
				walk(value, i+1)
				return
			}
			switch leaf := value.(type) {
			case string:
				t[path[i]] = rewrite(leaf)
			case []any:
				for j, item := range leaf {
					if s, ok := item.(string); ok {
						leaf[j] = rewrite(s)
					}
				}
			}
		}
	}
	walk(entry, 0)
}

// CleanEntries prunes empty objects and nulls from arrays and nulls out empty objects
// held by maps, in place.
func CleanEntries(entries []map[string]any) {
	for _, entry := range entries {
		cleanMap(entry)
	}
}

func cleanMap(m map[string]any) {
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			if len(t) == 0 {
				m[k] = nil
				continue
			}
			cleanMap(t)
		case []any:
			m[k] = cleanSlice(t)
		}
	}
}

func cleanSlice(items []any) []any {
	out := items[:0]
	for _, item := range items {
		switch t := item.(type) {
		case nil:
			continue
		case map[string]any:
			if len(t) == 0 {
				continue
			}
			cleanMap(t)
		case []any:
			item = cleanSlice(t)
		}
		out = append(out, item)
	}
	return out
}

func decode(data map[string]any) Map {
	out := Map{}
	for ct, rawEntries := range data {
		entries, ok := rawEntries.(map[string]any)
		if !ok {
			continue
		}
		out[ct] = map[string]map[string][]string{}
		for entryUID, rawAssets := range entries {
			assets, _ := rawAssets.(map[string]any)
			decoded := map[string][]string{}
			for assetUID, rawPaths := range assets {
				switch paths := rawPaths.(type) {
				case []string:
					decoded[assetUID] = append([]string(nil), paths...)
				case []any:
					for _, p := range paths {
						if s, ok := p.(string); ok {
							decoded[assetUID] = append(decoded[assetUID], s)
						}
					}
				}
			}
			out[ct][entryUID] = decoded
		}
	}
	return out
}

func encode(mapped Map) map[string]any {
	out := make(map[string]any, len(mapped))
	for ct, entries := range mapped {
		encodedEntries := make(map[string]any, len(entries))
		for entryUID, assets := range entries {
			encodedAssets := make(map[string]any, len(assets))
			for assetUID, paths := range assets {
				list := make([]any, 0, len(paths))
				for _, p := range paths {
					list = append(list, p)
				}
				encodedAssets[assetUID] = list
			}
			encodedEntries[entryUID] = encodedAssets
		}
		out[ct] = encodedEntries
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
