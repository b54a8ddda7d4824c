package assets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/storage"
)

type fakeDownloader struct {
	calls       []string
	body        string
	disposition string
	err         error
}

func (f *fakeDownloader) Download(ctx context.Context, rawURL string) (*http.Response, error) {
	f.calls = append(f.calls, rawURL)
	if f.err != nil {
		return nil, f.err
	}
	header := http.Header{}
	if f.disposition != "" {
		header.Set("Content-Disposition", f.disposition)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

var enUS = content.Locale{Code: "en-us", RelativeURLPrefix: "/"}

func newManager(t *testing.T, downloader Downloader) (*Manager, string, storage.Provider) {
	t.Helper()
	root := t.TempDir()
	store := storage.NewEngine(storage.NewMemoryBackend(), storage.EngineOptions{})
	m := NewManager(Options{
		Store:      store,
		Downloader: downloader,
		Sinks:      LocalSinks(root),
		Config:     content.DefaultAssetsConfig(),
	})
	return m, filepath.Join(root, "en-us", "assets"), store
}

func sampleAsset(filename string) map[string]any {
	return map[string]any{
		"uid":             "ast1",
		"url":             "https://assets.contentstack.io/v3/assets/stack/ast1/v1/" + filename,
		"filename":        filename,
		"_version":        float64(1),
		"ACL":             map[string]any{},
		"publish_details": map[string]any{"environment": "prod"},
	}
}

func TestPublishDownloadsAndStoresRecord(t *testing.T) {
	downloader := &fakeDownloader{body: "png-bytes"}
	m, dir, store := newManager(t, downloader)
	ctx := context.Background()

	asset, err := m.Publish(ctx, enUS, sampleAsset("logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "/assets/ast1/logo.png", asset["_internal_url"])
	assert.NotContains(t, asset, "ACL")
	assert.NotContains(t, asset, "publish_details")

	raw, err := os.ReadFile(filepath.Join(dir, "ast1", "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(raw))

	stored, err := store.FindOne(ctx, storage.Query{ContentType: content.AssetsUID, Locale: "en-us", UID: "ast1"})
	require.NoError(t, err)
	require.NotNil(t, stored.Entry)
	assert.Equal(t, "/assets/ast1/logo.png", stored.Entry["_internal_url"])

	if _, err := m.Publish(ctx, enUS, sampleAsset("logo.png")); err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if len(downloader.calls) != 1 {
		t.Fatalf("expected unchanged asset to skip download, got %d downloads", len(downloader.calls))
	}

	forced := sampleAsset("logo.png")
	forced["force_load"] = true
	_, err = m.Publish(ctx, enUS, forced)
	require.NoError(t, err)
	assert.Len(t, downloader.calls, 2)
}

func TestPublishRenameRemovesOldBinary(t *testing.T) {
	downloader := &fakeDownloader{body: "v1"}
	m, dir, _ := newManager(t, downloader)
	ctx := context.Background()

	_, err := m.Publish(ctx, enUS, sampleAsset("old.png"))
	require.NoError(t, err)
	renamed := sampleAsset("new.png")
	renamed["_version"] = float64(2)
	_, err = m.Publish(ctx, enUS, renamed)
	require.NoError(t, err)

	if _, err := os.Stat(filepath.Join(dir, "ast1", "old.png")); !os.IsNotExist(err) {
		t.Fatalf("expected old binary to be removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ast1", "new.png")); err != nil {
		t.Fatalf("expected new binary: %v", err)
	}
}

func TestPublishEmbeddedUsesDispositionAndReusesRecord(t *testing.T) {
	downloader := &fakeDownloader{body: "pdf", disposition: `attachment; filename=my%20doc.pdf`}
	m, dir, store := newManager(t, downloader)
	ctx := context.Background()
	ref := content.AssetRef{
		UID:        "blt9",
		URL:        "https://assets.contentstack.io/v3/assets/stack/blt9/v1/my%20doc.pdf",
		DownloadID: "blt9/v1/my%20doc.pdf",
	}

	asset, err := m.PublishEmbedded(ctx, enUS, ref)
	require.NoError(t, err)
	assert.Equal(t, "my doc.pdf", asset["filename"])
	assert.Equal(t, "/assets/blt9/my doc.pdf", asset["_internal_url"])
	if _, err := os.Stat(filepath.Join(dir, "blt9", "my doc.pdf")); err != nil {
		t.Fatalf("expected embedded binary: %v", err)
	}

	again, err := m.PublishEmbedded(ctx, enUS, ref)
	require.NoError(t, err)
	assert.Equal(t, asset["_internal_url"], again["_internal_url"])
	assert.Len(t, downloader.calls, 1)

	stored, err := store.FindOne(ctx, storage.Query{ContentType: content.AssetsUID, Locale: "en-us", UID: ref.DownloadID})
	require.NoError(t, err)
	assert.Equal(t, "blt9", stored.Entry["uid"])
}

func TestUnpublishKeepsBinarySharedWithRichText(t *testing.T) {
	downloader := &fakeDownloader{body: "bin", disposition: `attachment; filename="logo.png"`}
	m, dir, store := newManager(t, downloader)
	ctx := context.Background()

	_, err := m.Publish(ctx, enUS, sampleAsset("logo.png"))
	require.NoError(t, err)
	_, err = m.PublishEmbedded(ctx, enUS, content.AssetRef{UID: "ast1", URL: "https://assets.contentstack.io/v3/assets/stack/ast1/v1/logo.png", DownloadID: "ast1/v1/logo.png"})
	require.NoError(t, err)

	require.NoError(t, m.Unpublish(ctx, enUS, "ast1"))
	if _, err := os.Stat(filepath.Join(dir, "ast1", "logo.png")); err != nil {
		t.Fatalf("binary shared with rich text must survive unpublish: %v", err)
	}
	stored, err := store.FindOne(ctx, storage.Query{ContentType: content.AssetsUID, Locale: "en-us", UID: "ast1"})
	require.NoError(t, err)
	assert.Nil(t, stored.Entry)

	require.NoError(t, m.Unpublish(ctx, enUS, "never-published"))
}

func TestUnpublishRemovesBinary(t *testing.T) {
	m, dir, _ := newManager(t, &fakeDownloader{body: "bin"})
	ctx := context.Background()
	_, err := m.Publish(ctx, enUS, sampleAsset("logo.png"))
	require.NoError(t, err)
	require.NoError(t, m.Unpublish(ctx, enUS, "ast1"))
	if _, err := os.Stat(filepath.Join(dir, "ast1", "logo.png")); !os.IsNotExist(err) {
		t.Fatalf("expected binary removal, got %v", err)
	}
}

func TestDeleteRemovesFolderAndEveryRecord(t *testing.T) {
	m, dir, store := newManager(t, &fakeDownloader{body: "bin", disposition: "attachment; filename=logo.png"})
	ctx := context.Background()
	_, err := m.Publish(ctx, enUS, sampleAsset("logo.png"))
	require.NoError(t, err)
	_, err = m.PublishEmbedded(ctx, enUS, content.AssetRef{UID: "ast1", URL: "https://x/ast1/logo.png", DownloadID: "ast1/logo.png"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, enUS, "ast1"))
	if _, err := os.Stat(filepath.Join(dir, "ast1")); !os.IsNotExist(err) {
		t.Fatalf("expected asset folder removal, got %v", err)
	}
	n, err := store.Count(ctx, storage.Query{ContentType: content.AssetsUID, Locale: "en-us"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResolveKeysByDownloadIDOrUID(t *testing.T) {
	m, _, _ := newManager(t, &fakeDownloader{body: "bin", disposition: "attachment; filename=doc.pdf"})
	refs := []content.AssetRef{
		{UID: "ast1", Object: sampleAsset("logo.png")},
		{UID: "blt9", URL: "https://assets.contentstack.io/v3/assets/stack/blt9/v1/doc.pdf", DownloadID: "blt9/v1/doc.pdf"},
	}
	resolved, err := m.Resolve(context.Background(), enUS, refs)
	require.NoError(t, err)
	assert.Equal(t, "/assets/ast1/logo.png", resolved["ast1"]["_internal_url"])
	assert.Equal(t, "/assets/blt9/doc.pdf", resolved["blt9/v1/doc.pdf"]["_internal_url"])

	known, err := m.Known(context.Background(), enUS)
	require.NoError(t, err)
	assert.True(t, known("ast1"))
	assert.True(t, known("blt9"))
	assert.False(t, known("other"))
}

func TestResolvePropagatesDownloadFailure(t *testing.T) {
	missing := content.E(content.KindNotFound, "download", "no file found at given url: x")
	m, _, _ := newManager(t, &fakeDownloader{err: missing})
	_, err := m.Resolve(context.Background(), enUS, []content.AssetRef{{UID: "ast1", Object: sampleAsset("logo.png")}})
	if !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachmentFilename(t *testing.T) {
	cases := []struct {
		disposition string
		url         string
		want        string
	}{
		{`attachment; filename="report.pdf"`, "", "report.pdf"},
		{`attachment; filename=a%20b.png`, "", "a b.png"},
		{"", "https://host/v3/assets/s/u/v/pic.jpg", "pic.jpg"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, attachmentFilename(tc.disposition, tc.url))
	}
}

func TestLocalSinkRejectsEmptyKey(t *testing.T) {
	sink := NewLocalSink(t.TempDir())
	err := sink.Put(context.Background(), "/", bytes.NewReader(nil))
	assert.ErrorIs(t, err, content.ErrValidation)
	assert.False(t, sink.Exists(context.Background(), "nothing/here"))
	assert.NoError(t, sink.Remove(context.Background(), "nothing/here"))
}
