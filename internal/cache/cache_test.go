package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philpoore/contentstack-express/internal/content"
)

func rec(ct, uid string, data map[string]any) content.Record {
	if data == nil {
		data = map[string]any{}
	}
	data["uid"] = uid
	return content.Record{UID: uid, ContentType: ct, Locale: "en-us", Data: data}
}

func TestGetBeforeReadyFallsThrough(t *testing.T) {
	c := New(Options{})
	c.Set("en-us", content.RoutesUID, "", []content.Record{rec(content.RoutesUID, "r1", nil)}, false)
	if _, ok := c.Get("en-us", content.RoutesUID, nil, false); ok {
		t.Fatalf("expected cache miss before ready")
	}
	c.MarkReady()
	items, ok := c.Get("en-us", content.RoutesUID, nil, false)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one cached route, got %v (%v)", items, ok)
	}
}

func TestSetOnlyCachesEligibleCollections(t *testing.T) {
	c := New(Options{Indexes: map[string][]string{"page": {"title"}}})
	c.MarkReady()
	c.Set("en-us", "blog", "", []content.Record{rec("blog", "b1", nil)}, false)
	if _, ok := c.Get("en-us", "blog", nil, false); ok {
		t.Fatalf("unindexed content type should not be cached")
	}
	c.Set("en-us", "blog", "b1", []content.Record{rec("blog", "b1", nil)}, true)
	if _, ok := c.Get("en-us", "blog", nil, false); !ok {
		t.Fatalf("partial write should cache the collection")
	}

	c.Set("en-us", "page", "p1", []content.Record{rec("page", "p1", map[string]any{"title": "T", "body": "long"})}, false)
	items, ok := c.Get("en-us", "page", nil, false)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"uid": "p1", "title": "T"}, items[0])
	assert.False(t, c.Complete("page"))
	assert.True(t, c.Complete("blog"))
}

func TestSetWithUIDReplacesAtHead(t *testing.T) {
	c := New(Options{})
	c.MarkReady()
	c.Set("en-us", content.AssetsUID, "", []content.Record{
		rec(content.AssetsUID, "a1", nil),
		rec(content.AssetsUID, "a2", nil),
	}, false)
	c.Set("en-us", content.AssetsUID, "a2", []content.Record{rec(content.AssetsUID, "a2", map[string]any{"v": 2.0})}, false)
	records, ok := c.Records("en-us", content.AssetsUID, nil)
	require.True(t, ok)
	require.Len(t, records, 2)
	assert.Equal(t, "a2", records[0].UID)
	assert.Equal(t, 2.0, records[0].Data["v"])

	c.Set("en-us", content.AssetsUID, "a1", nil, false)
	records, _ = c.Records("en-us", content.AssetsUID, nil)
	require.Len(t, records, 1)
	assert.Equal(t, "a2", records[0].UID)
}

func TestGetReturnsCopies(t *testing.T) {
	c := New(Options{})
	c.MarkReady()
	c.Set("en-us", content.RoutesUID, "", []content.Record{rec(content.RoutesUID, "r1", map[string]any{"url": "/a"})}, false)
	items, _ := c.Get("en-us", content.RoutesUID, content.Query{"url": "/a"}, false)
	items[0].(map[string]any)["url"] = "/mutated"
	again, _ := c.Get("en-us", content.RoutesUID, nil, true)
	envelope := again[0].(map[string]any)
	assert.Equal(t, "/a", envelope["_data"].(map[string]any)["url"])
	assert.Equal(t, content.RoutesUID, envelope["_content_type_uid"])
}

func TestContentTypesAreSchemaFiltered(t *testing.T) {
	c := New(Options{})
	c.MarkReady()
	c.Set("en-us", content.ContentTypesUID, "blog", []content.Record{{
		UID: "blog", ContentType: content.ContentTypesUID, Data: map[string]any{
			"uid": "blog", "title": "Blog", "updated_at": "t1", "options": map[string]any{"singleton": false},
			"schema": []any{
				map[string]any{"uid": "title", "data_type": "text", "display_name": "Title", "mandatory": true},
				map[string]any{"uid": "modules", "data_type": "blocks", "blocks": []any{
					map[string]any{"uid": "hero", "title": "Hero", "schema": []any{
						map[string]any{"uid": "img", "data_type": "file", "extensions": []any{"png"}},
					}},
				}},
			},
		},
	}}, false)
	items, ok := c.Get("en-us", content.ContentTypesUID, nil, false)
	require.True(t, ok)
	data := items[0].(map[string]any)
	_, hasOptions := data["options"]
	assert.False(t, hasOptions)
	schema := data["schema"].([]any)
	assert.Equal(t, map[string]any{"uid": "title", "data_type": "text"}, schema[0])
	block := schema[1].(map[string]any)["blocks"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"uid": "img", "data_type": "file"}, block["schema"].([]any)[0])
}

func TestReloadSwapsAllLocales(t *testing.T) {
	c := New(Options{})
	loader := func(ctx context.Context, locale string) (map[string][]content.Record, error) {
		return map[string][]content.Record{
			content.RoutesUID: {rec(content.RoutesUID, "r_"+locale, nil)},
			"blog":            {rec("blog", "b1", nil)},
		}, nil
	}
	require.False(t, c.Ready())
	require.NoError(t, c.Reload(context.Background(), []string{"en-us", "fr-fr"}, loader))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	assert.Equal(t, []string{content.RoutesUID}, c.Collections("fr-fr"))
	items, ok := c.Get("fr-fr", content.RoutesUID, nil, false)
	require.True(t, ok)
	assert.Equal(t, "r_fr-fr", items[0].(map[string]any)["uid"])
}

func TestReloadFailureKeepsCacheUnready(t *testing.T) {
	c := New(Options{})
	boom := errors.New("disk gone")
	err := c.Reload(context.Background(), []string{"en-us"}, func(ctx context.Context, locale string) (map[string][]content.Record, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if c.Ready() {
		t.Fatalf("cache should stay unready after a failed reload")
	}
}

func TestConcurrentReadersSeeWholeCollections(t *testing.T) {
	c := New(Options{})
	c.MarkReady()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Set("en-us", content.RoutesUID, "", []content.Record{
					rec(content.RoutesUID, "a", nil),
					rec(content.RoutesUID, "b", nil),
				}, false)
			}
		}()
	}
	for i := 0; i < 200; i++ {
		items, ok := c.Get("en-us", content.RoutesUID, nil, false)
		if ok && len(items) != 2 {
			t.Fatalf("observed partial collection of %d records", len(items))
		}
	}
	wg.Wait()
}
