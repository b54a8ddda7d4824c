package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/content"
)

// FileBackend stores one JSON array per collection. Content collections live under the
// locale's content path and the _assets collection under its assets path.
type FileBackend struct {
	root    string
	locales map[string]content.Locale
	logger  *zap.Logger
}

func NewFileBackend(root string, locales []content.Locale, logger *zap.Logger) *FileBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	byCode := make(map[string]content.Locale, len(locales))
	for _, l := range locales {
		byCode[l.Code] = l
	}
	return &FileBackend{root: strings.TrimSpace(root), locales: byCode, logger: logger}
}

func (b *FileBackend) ContentDir(locale string) string {
	if l, ok := b.locales[locale]; ok && strings.TrimSpace(l.ContentPath) != "" {
		return l.ContentPath
	}
	return filepath.Join(b.root, locale, "data")
}

func (b *FileBackend) AssetsDir(locale string) string {
	if l, ok := b.locales[locale]; ok && strings.TrimSpace(l.AssetsPath) != "" {
		return l.AssetsPath
	}
	return filepath.Join(b.root, locale, "assets")
}

func (b *FileBackend) path(key CollectionKey) string {
	dir := b.ContentDir(key.Locale)
	if key.ContentType == content.AssetsUID {
		dir = b.AssetsDir(key.Locale)
	}
	return filepath.Join(dir, key.ContentType+".json")
}

func (b *FileBackend) Load(ctx context.Context, key CollectionKey) ([]content.Record, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var records []content.Record
	if len(strings.TrimSpace(string(data))) == 0 {
		return records, true, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func (b *FileBackend) Save(ctx context.Context, key CollectionKey, records []content.Record) error {
	if records == nil {
		records = []content.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *FileBackend) Delete(ctx context.Context, key CollectionKey) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Collections(ctx context.Context, locale string) ([]string, error) {
	var out []string
	entries, err := os.ReadDir(b.ContentDir(locale))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, entry := range entries {
		if ct, ok := collectionName(entry.Name()); ok && !entry.IsDir() {
			out = append(out, ct)
		}
	}
	if _, err := os.Stat(b.path(CollectionKey{Locale: locale, ContentType: content.AssetsUID})); err == nil {
		out = append(out, content.AssetsUID)
	}
	sort.Strings(out)
	return out, nil
}

func (b *FileBackend) Close() error {
	return nil
}

func collectionName(file string) (string, bool) {
	if !strings.HasSuffix(file, ".json") {
		return "", false
	}
	return strings.TrimSuffix(file, ".json"), true
}

// Watch reports collection files changed on disk until ctx is done. Temporary files of
// atomic writes are ignored.
func (b *FileBackend) Watch(ctx context.Context, changed func(CollectionKey)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]string{}
	for code := range b.locales {
		dirs[filepath.Clean(b.ContentDir(code))] = code
		dirs[filepath.Clean(b.AssetsDir(code))] = code
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = watcher.Close()
			return err
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return err
		}
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				ct, ok := collectionName(filepath.Base(event.Name))
				if !ok {
					continue
				}
				locale, ok := dirs[filepath.Dir(event.Name)]
				if !ok {
					continue
				}
				changed(CollectionKey{Locale: locale, ContentType: ct})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("collection watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
