package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philpoore/contentstack-express/internal/cache"
	"github.com/philpoore/contentstack-express/internal/content"
)

const locale = "en-us"

func entry(ct, uid string, data map[string]any) content.Record {
	if data == nil {
		data = map[string]any{}
	}
	data["uid"] = uid
	return content.Record{UID: uid, ContentType: ct, Locale: locale, Data: data}
}

func ref(target string, values any) map[string]any {
	return map[string]any{content.ReferenceValuesKey: values, content.ReferenceTargetKey: target}
}

func mustUpsert(t *testing.T, p Provider, rec content.Record) {
	t.Helper()
	if _, err := p.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert %s/%s failed: %v", rec.ContentType, rec.UID, err)
	}
}

func TestInsertRejectsDuplicates(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	if _, err := engine.Insert(ctx, entry("blog", "b1", nil)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	_, err := engine.Insert(ctx, entry("blog", "b1", nil))
	if !errors.Is(err, content.ErrConflict) {
		t.Fatalf("expected data conflict, got %v", err)
	}
}

func TestUpsertIsIdempotentAndMovesToHead(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	mustUpsert(t, engine, entry("blog", "b1", map[string]any{"title": "one"}))
	mustUpsert(t, engine, entry("blog", "b2", nil))
	mustUpsert(t, engine, entry("blog", "b1", map[string]any{"title": "one"}))
	mustUpsert(t, engine, entry("blog", "b1", map[string]any{"title": "one"}))

	count, err := engine.Count(ctx, Query{ContentType: "blog", Locale: locale})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	records, _, err := engine.Backend().Load(ctx, CollectionKey{Locale: locale, ContentType: "blog"})
	require.NoError(t, err)
	assert.Equal(t, "b1", records[0].UID)
}

func TestFindSortsSkipsAndCounts(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	mustUpsert(t, engine, entry("blog", "old", map[string]any{"published_at": "2024-01-01T00:00:00.000Z", "tag": "go"}))
	mustUpsert(t, engine, entry("blog", "new", map[string]any{"published_at": "2024-03-01T00:00:00.000Z", "tag": "go"}))
	mustUpsert(t, engine, entry("blog", "mid", map[string]any{"published_at": "2024-02-01T00:00:00.000Z", "tag": "cms"}))

	result, err := engine.Find(ctx, Query{ContentType: "blog", Locale: locale, IncludeCount: true}, FindOptions{Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "mid", result.Entries[0]["uid"])
	require.NotNil(t, result.Count)
	assert.Equal(t, 3, *result.Count)

	asc, err := engine.Find(ctx, Query{ContentType: "blog", Locale: locale, Where: content.Query{"tag": "go"}}, FindOptions{Sort: []SortKey{{Field: "published_at"}}})
	require.NoError(t, err)
	require.Len(t, asc.Entries, 2)
	assert.Equal(t, "old", asc.Entries[0]["uid"])
	assert.Nil(t, asc.Count)
}

func TestFindOneReturnsNilWhenMissing(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	result, err := engine.FindOne(context.Background(), Query{ContentType: "blog", Locale: locale, UID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, result.Entry)

	_, err = engine.FindOne(context.Background(), Query{ContentType: "blog"})
	if !errors.Is(err, content.ErrValidation) {
		t.Fatalf("expected validation error without locale, got %v", err)
	}
}

func TestFindExpandsReferencesAndAssets(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	mustUpsert(t, engine, entry("author", "a1", map[string]any{"name": "Ann"}))
	mustUpsert(t, engine, entry("author", "a2", map[string]any{"name": "Bob"}))
	mustUpsert(t, engine, entry(content.AssetsUID, "img1", map[string]any{"url": "/assets/img1/x.png"}))
	mustUpsert(t, engine, entry("blog", "b1", map[string]any{
		"authors": ref("author", []any{"a2", "a1", "ghost"}),
		"hero":    ref(content.AssetsUID, "img1"),
		"missing": ref(content.AssetsUID, "nope"),
		"related": []any{ref("author", "a1")},
	}))

	result, err := engine.FindOne(ctx, Query{ContentType: "blog", Locale: locale, UID: "b1"})
	require.NoError(t, err)
	authors := result.Entry["authors"].([]any)
	require.Len(t, authors, 2)
	assert.Equal(t, "Bob", authors[0].(map[string]any)["name"])
	assert.Equal(t, "Ann", authors[1].(map[string]any)["name"])
	assert.Equal(t, "/assets/img1/x.png", result.Entry["hero"].(map[string]any)["url"])
	assert.Equal(t, map[string]any{}, result.Entry["missing"])
	related := result.Entry["related"].([]any)
	require.Len(t, related, 1)
	assert.Equal(t, "Ann", related[0].(map[string]any)["name"])

	raw, err := engine.FindOne(ctx, Query{ContentType: "blog", Locale: locale, UID: "b1"}.WithoutReferences())
	require.NoError(t, err)
	_, isMarker := content.AsMarker(raw.Entry["authors"])
	assert.True(t, isMarker)
}

func TestNormalizedReferencesExpandBackToTheirRecords(t *testing.T) {
	schema := []content.Field{
		{UID: "lead", DataType: content.DataTypeReference, ReferenceTo: "author"},
		{UID: "related", DataType: content.DataTypeReference, ReferenceTo: []any{"author", "editor"}},
		{UID: "meta", DataType: content.DataTypeGroup, Schema: []content.Field{
			{UID: "approver", DataType: content.DataTypeReference, ReferenceTo: "author"},
		}},
		{UID: "sections", DataType: content.DataTypeBlocks, Blocks: []content.Block{
			{UID: "quote", Schema: []content.Field{{UID: "by", DataType: content.DataTypeReference, ReferenceTo: "author"}}},
		}},
	}
	data := content.NormalizeReferences(schema, map[string]any{
		"lead": "a1",
		"related": []any{
			map[string]any{"uid": "a2", "_content_type_uid": "author"},
			map[string]any{"uid": "ed1", "_content_type_uid": "editor"},
		},
		"meta": map[string]any{"approver": []any{map[string]any{"uid": "a3"}}},
		"sections": []any{
			map[string]any{"quote": map[string]any{"by": []any{map[string]any{"uid": "a1", "_content_type_uid": "author"}}}},
		},
	}, true)

	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	for _, uid := range []string{"a1", "a2", "a3"} {
		mustUpsert(t, engine, entry("author", uid, map[string]any{"name": uid}))
	}
	mustUpsert(t, engine, entry("editor", "ed1", map[string]any{"name": "ed1"}))
	mustUpsert(t, engine, entry("blog", "b1", data))

	result, err := engine.FindOne(ctx, Query{ContentType: "blog", Locale: locale, UID: "b1"})
	require.NoError(t, err)
	if sites := collectMarkers(result.Entry); len(sites) != 0 {
		t.Fatalf("expected every reference to be expanded, %d left", len(sites))
	}
	var uids []string
	for _, field := range []string{"lead", "related", "meta", "sections"} {
		uids = append(uids, recordUIDs(result.Entry[field])...)
	}
	assert.ElementsMatch(t, []string{"a1", "a2", "ed1", "a3", "a1"}, uids)
}

// recordUIDs lists the uid of every map carrying one under v.
func recordUIDs(v any) []string {
	var out []string
	switch t := v.(type) {
	case map[string]any:
		if uid, ok := t["uid"].(string); ok {
			return []string{uid}
		}
		for _, child := range t {
			out = append(out, recordUIDs(child)...)
		}
	case []any:
		for _, child := range t {
			out = append(out, recordUIDs(child)...)
		}
	}
	return out
}

func TestFindTerminatesOnReferenceCycle(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	mustUpsert(t, engine, entry("page", "A", map[string]any{"next": ref("page", []any{"B"})}))
	mustUpsert(t, engine, entry("page", "B", map[string]any{"next": ref("page", []any{"A"})}))

	result, err := engine.FindOne(ctx, Query{ContentType: "page", Locale: locale, UID: "A"})
	require.NoError(t, err)

	depth := 0
	node := result.Entry
	for {
		next, ok := node["next"].([]any)
		if !ok || len(next) == 0 {
			break
		}
		node = next[0].(map[string]any)
		depth++
		if depth > 10 {
			t.Fatalf("expansion did not terminate")
		}
	}
	if depth == 0 {
		t.Fatalf("expected at least one expanded level")
	}
	if _, err := engine.Find(ctx, Query{ContentType: "page", Locale: locale}, FindOptions{}); err != nil {
		t.Fatalf("find over cyclic collection failed: %v", err)
	}
}

func TestRemoveContentTypeCascadesRoutes(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	mustUpsert(t, engine, entry("blog", "b1", nil))
	mustUpsert(t, engine, entry(content.RoutesUID, "b1", map[string]any{"url": "/b1", "content_type": map[string]any{"uid": "blog"}}))
	mustUpsert(t, engine, entry(content.RoutesUID, "p1", map[string]any{"url": "/p1", "content_type": map[string]any{"uid": "page"}}))

	n, err := engine.Remove(ctx, Query{ContentType: "blog", Locale: locale})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, exists, err := engine.Backend().Load(ctx, CollectionKey{Locale: locale, ContentType: "blog"})
	require.NoError(t, err)
	assert.False(t, exists)

	routes, err := engine.Find(ctx, Query{ContentType: content.RoutesUID, Locale: locale}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, routes.Entries, 1)
	assert.Equal(t, "p1", routes.Entries[0]["uid"])
}

func TestRemoveSingleRecord(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()

	n, err := engine.Remove(ctx, Query{ContentType: "blog", Locale: locale, UID: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "missing collection counts as removed")

	n, err = engine.Remove(ctx, Query{Locale: locale, UID: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mustUpsert(t, engine, entry("blog", "b1", nil))
	mustUpsert(t, engine, entry("blog", "b2", nil))
	n, err = engine.Remove(ctx, Query{ContentType: "blog", Locale: locale, UID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	count, _ := engine.Count(ctx, Query{ContentType: "blog", Locale: locale})
	assert.Equal(t, 1, count)
}

func TestBulkInsertReplacesCollection(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	ctx := context.Background()
	mustUpsert(t, engine, entry("blog", "stale", nil))
	n, err := engine.BulkInsert(ctx, BulkInsert{ContentType: "blog", Locale: locale, Records: []map[string]any{
		{"uid": "b1"},
		{"entry": map[string]any{"uid": "b2"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	records, _, _ := engine.Backend().Load(ctx, CollectionKey{Locale: locale, ContentType: "blog"})
	require.Len(t, records, 2)
	assert.Equal(t, "b2", records[1].UID)

	_, err = engine.BulkInsert(ctx, BulkInsert{ContentType: "blog", Locale: locale, Records: []map[string]any{{"title": "no uid"}}})
	assert.ErrorIs(t, err, content.ErrValidation)
}

func TestWritesUpdateCacheAfterBackend(t *testing.T) {
	c := cache.New(cache.Options{})
	c.MarkReady()
	engine := NewEngine(NewMemoryBackend(), EngineOptions{Cache: c})
	ctx := context.Background()
	mustUpsert(t, engine, entry(content.AssetsUID, "a1", map[string]any{"url": "u1"}))
	items, ok := c.Get(locale, content.AssetsUID, nil, false)
	require.True(t, ok)
	require.Len(t, items, 1)

	_, err := engine.Remove(ctx, Query{ContentType: content.AssetsUID, Locale: locale, UID: "a1"})
	require.NoError(t, err)
	items, _ = c.Get(locale, content.AssetsUID, nil, false)
	assert.Empty(t, items)

	mustUpsert(t, engine, entry("blog", "b1", nil))
	if _, ok := c.Get(locale, "blog", nil, false); ok {
		t.Fatalf("plain content types should not be cached by writes")
	}
}

func TestRemovingCollectionDropsItFromCache(t *testing.T) {
	c := cache.New(cache.Options{Indexes: map[string][]string{"blog": {"title"}}})
	c.MarkReady()
	engine := NewEngine(NewMemoryBackend(), EngineOptions{Cache: c})
	ctx := context.Background()
	mustUpsert(t, engine, entry("blog", "b1", map[string]any{"title": "one"}))
	require.Contains(t, c.Collections(locale), "blog")

	_, err := engine.Remove(ctx, Query{ContentType: "blog", Locale: locale})
	require.NoError(t, err)
	assert.NotContains(t, c.Collections(locale), "blog")
	if _, ok := c.Get(locale, "blog", nil, false); ok {
		t.Fatalf("removed collection should no longer be cached")
	}
	count, err := engine.Count(ctx, Query{ContentType: "blog", Locale: locale})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLoadLocaleFeedsCacheReload(t *testing.T) {
	engine := NewEngine(NewMemoryBackend(), EngineOptions{})
	mustUpsert(t, engine, entry(content.RoutesUID, "r1", nil))
	mustUpsert(t, engine, entry("blog", "b1", nil))

	c := cache.New(cache.Options{})
	require.NoError(t, c.Reload(context.Background(), []string{locale}, engine.LoadLocale))
	assert.Equal(t, []string{content.RoutesUID}, c.Collections(locale))
}
