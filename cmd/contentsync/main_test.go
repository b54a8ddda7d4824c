package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philpoore/contentstack-express/internal/config"
	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/queue"
	"github.com/philpoore/contentstack-express/internal/storage"
)

const publishEvent = `{"message":{"body":{"_id":"q1","object":{"type":"entry","action":"publish","content_type":{"uid":"blog"},"entry":{"entry_uid":"e1"}}}},"lang":{"code":"en-us"}}`

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("CONTENTSYNC_TEST_INT", "42")
	got := intEnv("CONTENTSYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CONTENTSYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("CONTENTSYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CONTENTSYNC_TEST_DURATION", "150ms")
	got := durationEnv("CONTENTSYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CONTENTSYNC_TEST_DURATION_BAD", "soon")
	got := durationEnv("CONTENTSYNC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestReadPayloadFromFileOrStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(publishEvent), 0o644))

	fromFile, err := readPayload([]string{path}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, publishEvent, string(fromFile))

	fromStdin, err := readPayload([]string{"-"}, strings.NewReader(publishEvent))
	require.NoError(t, err)
	assert.Equal(t, publishEvent, string(fromStdin))
}

func TestEnqueueValidatesAndPersistsEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	v := config.NewViper()
	v.Set("queue.dsn", "file://"+path)

	var out bytes.Buffer
	require.NoError(t, runEnqueue(context.Background(), v, []byte(publishEvent), &out))
	assert.Contains(t, out.String(), "queued publish entry e1")

	err := runEnqueue(context.Background(), v, []byte(`{"message":{}}`), &out)
	require.ErrorIs(t, err, content.ErrValidation)

	reopened, err := queue.NewFileQueue(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Depth())
}

func TestEnqueueRequiresQueue(t *testing.T) {
	if err := runEnqueue(context.Background(), config.NewViper(), []byte(publishEvent), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected enqueue without queue.dsn to fail")
	}
}

func TestReloadPrintsCollectionSizes(t *testing.T) {
	dir := t.TempDir()
	locales := []content.Locale{{Code: "en-us", RelativeURLPrefix: "/"}}
	engine := storage.NewEngine(storage.NewFileBackend(dir, locales, nil), storage.EngineOptions{})
	for _, uid := range []string{"e1", "e2"} {
		_, err := engine.Upsert(context.Background(), content.Record{UID: uid, ContentType: "blog", Locale: "en-us", Data: map[string]any{"uid": uid, "title": uid}})
		require.NoError(t, err)
	}
	_, err := engine.Upsert(context.Background(), content.Record{UID: "e1", ContentType: content.RoutesUID, Locale: "en-us", Data: map[string]any{"uid": "e1", "url": "/e1"}})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	v := config.NewViper()
	v.Set("storage.dsn", "file://"+dir)
	v.Set("indexes", map[string][]string{"blog": {"title"}})
	var out bytes.Buffer
	require.NoError(t, runReload(context.Background(), v, &out))
	assert.Equal(t, "en-us\t_routes\t1\nen-us\tblog\t2\n", out.String())
}

func TestRunRequiresOriginCredentials(t *testing.T) {
	v := config.NewViper()
	v.Set("storage.dsn", "memory://")
	v.Set("queue.dsn", "memory://")
	err := runWorker(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin.api_key")
}
