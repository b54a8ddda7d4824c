package mapper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philpoore/contentstack-express/internal/cache"
	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/storage"
)

var blogSchema = []content.Field{
	{UID: "title", DataType: content.DataTypeText},
	{UID: "hero", DataType: content.DataTypeFile},
	{UID: "gallery", DataType: content.DataTypeGroup, Schema: []content.Field{
		{UID: "images", DataType: content.DataTypeFile, Multiple: true},
	}},
	{UID: "sections", DataType: content.DataTypeBlocks, Blocks: []content.Block{
		{UID: "banner", Schema: []content.Field{{UID: "image", DataType: content.DataTypeFile}}},
	}},
}

func asset(uid, filename string) map[string]any {
	return map[string]any{"uid": uid, "filename": filename, "url": "https://assets.contentstack.io/v3/assets/s/" + uid + "/v1/" + filename}
}

func blogEntry() map[string]any {
	return map[string]any{
		"uid":   "e1",
		"title": "Hello",
		"hero":  asset("ast1", "old.png"),
		"gallery": map[string]any{
			"images": []any{asset("ast2", "a.png"), asset("ast1", "old.png")},
		},
		"sections": []any{
			map[string]any{"banner": map[string]any{"image": asset("ast3", "b.png")}},
		},
	}
}

func newMapper(t *testing.T) (*Mapper, *storage.Engine) {
	t.Helper()
	c := cache.New(cache.Options{})
	c.MarkReady()
	store := storage.NewEngine(storage.NewMemoryBackend(), storage.EngineOptions{Cache: c})
	return New(Options{Store: store, Assets: content.DefaultAssetsConfig()}), store
}

func TestEntryAssetsGroupsPaths(t *testing.T) {
	got := EntryAssets(blogSchema, blogEntry())
	assert.Equal(t, map[string][]string{
		"ast1": {"hero", "gallery.images"},
		"ast2": {"gallery.images"},
		"ast3": {"sections.banner.image"},
	}, got)
}

func TestPublishAndRemoveEntryKeepsMapperConsistent(t *testing.T) {
	m, _ := newMapper(t)
	ctx := context.Background()

	require.NoError(t, m.PublishEntry(ctx, "en-us", "blog", blogEntry(), blogSchema, nil))
	require.NoError(t, m.PublishEntry(ctx, "en-us", "blog", blogEntry(), blogSchema, nil))
	mapped, err := m.Load(ctx, "en-us")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hero", "gallery.images"}, mapped["blog"]["e1"]["ast1"])
	assert.Len(t, mapped["blog"]["e1"], 3)

	require.NoError(t, m.RemoveEntry(ctx, "en-us", "blog", "e1"))
	mapped, err = m.Load(ctx, "en-us")
	require.NoError(t, err)
	if _, ok := mapped["blog"]["e1"]; ok {
		t.Fatalf("expected e1 subtree to be removed from the mapper")
	}

	require.NoError(t, m.RemoveEntry(ctx, "en-us", "page", "nope"))
}

func TestRemoveContentTypeDropsSubtree(t *testing.T) {
	m, _ := newMapper(t)
	ctx := context.Background()
	require.NoError(t, m.PublishEntry(ctx, "en-us", "blog", blogEntry(), blogSchema, nil))
	require.NoError(t, m.RemoveContentType(ctx, "en-us", "blog"))
	mapped, err := m.Load(ctx, "en-us")
	require.NoError(t, err)
	assert.NotContains(t, mapped, "blog")
}

func storeEntry(t *testing.T, store storage.Provider, ct string, data map[string]any) {
	t.Helper()
	rec := content.Record{UID: content.StringValue(data["uid"]), ContentType: ct, Locale: "en-us", Data: data}
	if _, err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestAssetRenamePropagatesToReferencingEntries(t *testing.T) {
	m, store := newMapper(t)
	ctx := context.Background()
	storeEntry(t, store, "blog", blogEntry())
	storeEntry(t, store, "blog", map[string]any{"uid": "e2", "title": "untouched"})
	require.NoError(t, m.PublishEntry(ctx, "en-us", "blog", blogEntry(), blogSchema, nil))

	metadata := asset("ast1", "new.png")
	metadata["_version"] = float64(2)
	locales := []content.Locale{{Code: "en-us", RelativeURLPrefix: "/"}}
	require.NoError(t, m.UpdateAssetReferences(ctx, "ast1", locales, false, metadata, content.ActionPublish))

	result, err := store.FindOne(ctx, storage.Query{ContentType: "blog", Locale: "en-us", UID: "e1"})
	require.NoError(t, err)
	hero := result.Entry["hero"].(map[string]any)
	assert.Equal(t, "new.png", hero["filename"])
	assert.Equal(t, "/assets/ast1/new.png", hero["_internal_url"])
	images := result.Entry["gallery"].(map[string]any)["images"].([]any)
	assert.Equal(t, "a.png", images[0].(map[string]any)["filename"])
	assert.Equal(t, "new.png", images[1].(map[string]any)["filename"])

	count, err := store.Count(ctx, storage.Query{ContentType: "blog", Locale: "en-us"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	_, hasInternal := metadata["_internal_url"]
	assert.False(t, hasInternal, "caller metadata must not be mutated")
}

func TestAssetUnpublishStripsAndDeleteClears(t *testing.T) {
	m, store := newMapper(t)
	ctx := context.Background()
	storeEntry(t, store, "blog", blogEntry())
	require.NoError(t, m.PublishEntry(ctx, "en-us", "blog", blogEntry(), blogSchema, nil))
	locales := []content.Locale{{Code: "en-us"}}

	require.NoError(t, m.UpdateAssetReferences(ctx, "ast1", locales, true, nil, content.ActionUnpublish))
	result, err := store.FindOne(ctx, storage.Query{ContentType: "blog", Locale: "en-us", UID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"uid": "ast1", "filename": "old.png"}, result.Entry["hero"])
	mapped, _ := m.Load(ctx, "en-us")
	assert.Contains(t, mapped["blog"]["e1"], "ast1", "unpublish keeps the mapping")

	require.NoError(t, m.UpdateAssetReferences(ctx, "ast1", locales, true, nil, content.ActionDelete))
	result, err = store.FindOne(ctx, storage.Query{ContentType: "blog", Locale: "en-us", UID: "e1"})
	require.NoError(t, err)
	assert.Nil(t, result.Entry["hero"])
	images := result.Entry["gallery"].(map[string]any)["images"].([]any)
	require.Len(t, images, 1)
	assert.Equal(t, "ast2", images[0].(map[string]any)["uid"])

	mapped, _ = m.Load(ctx, "en-us")
	assert.NotContains(t, mapped["blog"]["e1"], "ast1")
	assert.Contains(t, mapped["blog"]["e1"], "ast2")
}

func TestUpdateAssetReferencesWithoutMappingIsNoop(t *testing.T) {
	m, _ := newMapper(t)
	err := m.UpdateAssetReferences(context.Background(), "ghost", []content.Locale{{Code: "en-us"}}, false, asset("ghost", "g.png"), content.ActionPublish)
	require.NoError(t, err)

	err = m.UpdateAssetReferences(context.Background(), "ghost", []content.Locale{{Code: "en-us"}}, false, map[string]any{"uid": "ghost"}, content.ActionPublish)
	assert.ErrorIs(t, err, content.ErrValidation, "filename key is needed to build the url")
}

func TestTrackAndUntrack(t *testing.T) {
	mapped := Map{
		"page": {"p1": {"ast1": {"cover"}}},
		"blog": {"e2": {"ast1": {"hero"}}, "e1": {"ast1": {"hero", "gallery.images"}, "ast2": {"hero"}}},
	}
	refs := Track(mapped, "ast1")
	require.Len(t, refs, 3)
	assert.Equal(t, Reference{ContentType: "blog", EntryUID: "e1", Paths: []string{"hero", "gallery.images"}}, refs[0])
	assert.Equal(t, "page", refs[2].ContentType)
	assert.Len(t, groupByContentType(refs), 2)

	assert.True(t, Untrack(mapped, "ast1"))
	assert.False(t, Untrack(mapped, "ast1"))
	assert.Empty(t, Track(mapped, "ast1"))
	assert.Len(t, Track(mapped, "ast2"), 1)
}

func TestCleanEntries(t *testing.T) {
	entries := []map[string]any{{
		"uid":  "e1",
		"hero": map[string]any{},
		"list": []any{map[string]any{}, nil, map[string]any{"uid": "keep"}, []any{map[string]any{}}},
		"nested": map[string]any{
			"inner": map[string]any{},
		},
	}}
	CleanEntries(entries)
	assert.Nil(t, entries[0]["hero"])
	assert.Equal(t, []any{map[string]any{"uid": "keep"}, []any{}}, entries[0]["list"])
	assert.Equal(t, map[string]any{"inner": nil}, entries[0]["nested"])
}

func TestGetAssetsWalksArrays(t *testing.T) {
	found := GetAssets(blogEntry(), []string{"sections", "banner", "image"})
	require.Len(t, found, 1)
	assert.Equal(t, "ast3", found[0].(map[string]any)["uid"])
	assert.Empty(t, GetAssets(blogEntry(), []string{"missing"}))
}

var articleSchema = []content.Field{
	{UID: "body", DataType: content.DataTypeText, FieldMetadata: content.FieldMetadata{AllowRichText: true, RichTextType: "advanced"}},
	{UID: "notes", DataType: content.DataTypeText, Multiple: true, FieldMetadata: content.FieldMetadata{Markdown: true}},
}

const embeddedURL = "https://images.contentstack.io/v3/assets/stack1/ast9/ver1/pic.png"

func articleEntry(body string) map[string]any {
	return map[string]any{
		"uid":   "e1",
		"body":  `<p><img src="` + body + `" alt="pic"></p>`,
		"notes": []any{"intro", "![pic](" + embeddedURL + ")"},
	}
}

func TestEntryAssetsFindsAssetsEmbeddedInText(t *testing.T) {
	got := EntryAssets(articleSchema, articleEntry(embeddedURL))
	assert.Equal(t, map[string][]string{"ast9": {"body", "notes"}}, got)
}

func TestRichTextAssetsAreTrackedAndRewritten(t *testing.T) {
	m, store := newMapper(t)
	ctx := context.Background()

	// The stored body already points at the local copy; only the fetched one names the asset.
	seen := EntryAssets(articleSchema, articleEntry(embeddedURL))
	localized := articleEntry("/assets/ast9/pic.png")
	storeEntry(t, store, "article", localized)
	require.NoError(t, m.PublishEntry(ctx, "en-us", "article", localized, articleSchema, seen))

	mapped, err := m.Load(ctx, "en-us")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"body", "notes"}, mapped["article"]["e1"]["ast9"])

	locales := []content.Locale{{Code: "en-us", RelativeURLPrefix: "/"}}
	republished := map[string]any{"uid": "ast9", "filename": "pic2.png", "url": "https://images.contentstack.io/v3/assets/stack1/ast9/ver2/pic2.png"}
	require.NoError(t, m.UpdateAssetReferences(ctx, "ast9", locales, false, republished, content.ActionPublish))
	result, err := store.FindOne(ctx, storage.Query{ContentType: "article", Locale: "en-us", UID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, `<p><img src="/assets/ast9/pic2.png" alt="pic"></p>`, result.Entry["body"])
	assert.Equal(t, []any{"intro", "![pic](/assets/ast9/pic2.png)"}, result.Entry["notes"])

	require.NoError(t, m.UpdateAssetReferences(ctx, "ast9", locales, true, republished, content.ActionUnpublish))
	result, err = store.FindOne(ctx, storage.Query{ContentType: "article", Locale: "en-us", UID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, `<p><img src="https://images.contentstack.io/v3/assets/stack1/ast9/ver2/pic2.png" alt="pic"></p>`, result.Entry["body"])

	require.NoError(t, m.UpdateAssetReferences(ctx, "ast9", locales, true, nil, content.ActionDelete))
	result, err = store.FindOne(ctx, storage.Query{ContentType: "article", Locale: "en-us", UID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, `<p><img src="" alt="pic"></p>`, result.Entry["body"])
	assert.Equal(t, []any{"intro", "![pic]()"}, result.Entry["notes"])
	mapped, err = m.Load(ctx, "en-us")
	require.NoError(t, err)
	assert.NotContains(t, mapped["article"]["e1"], "ast9")
}

func TestModifyTextLeavesOtherAssetsAlone(t *testing.T) {
	entry := map[string]any{"body": `<img src="/assets/ast90/a.png"><img src="/assets/ast9/b.png">`}
	ModifyText(entry, []string{"body"}, func(text string) string {
		return content.RewriteAssetURLs(text, "ast9", "/assets/", "/assets/ast9/c.png")
	})
	assert.Equal(t, `<img src="/assets/ast90/a.png"><img src="/assets/ast9/c.png">`, entry["body"])
}
