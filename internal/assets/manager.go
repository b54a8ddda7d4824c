package assets

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/storage"
)

// Downloader opens asset binaries; the caller closes the body.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (*http.Response, error)
}

var strippedAssetKeys = []string{"ACL", "app_user_object_uid", "force_load", "publish_details"}

type Manager struct {
	store      storage.Provider
	downloader Downloader
	sinks      SinkProvider
	config     content.AssetsConfig
	logger     *zap.Logger
}

type Options struct {
	Store      storage.Provider
	Downloader Downloader
	Sinks      SinkProvider
	Config     content.AssetsConfig
	Logger     *zap.Logger
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if len(cfg.Keys) == 0 {
		cfg.Keys = content.DefaultAssetsConfig().Keys
	}
	return &Manager{
		store:      opts.Store,
		downloader: opts.Downloader,
		sinks:      opts.Sinks,
		config:     cfg,
		logger:     logger,
	}
}

func (m *Manager) Config() content.AssetsConfig {
	return m.config
}

func (m *Manager) query(locale content.Locale, where content.Query) storage.Query {
	return storage.Query{ContentType: content.AssetsUID, Locale: locale.Code, Where: where}.WithoutReferences()
}

func (m *Manager) findOne(ctx context.Context, locale content.Locale, where content.Query) (map[string]any, error) {
	result, err := m.store.FindOne(ctx, m.query(locale, where))
	if err != nil {
		return nil, err
	}
	return result.Entry, nil
}

// stored returns the published record of uid and, when one exists, the rich text copy
// sharing its binary.
func (m *Manager) stored(ctx context.Context, locale content.Locale, uid string) (map[string]any, map[string]any, error) {
	current, err := m.findOne(ctx, locale, content.Query{"uid": uid, "_version": content.Query{"$exists": true}})
	if err != nil || current == nil {
		return nil, nil, err
	}
	embedded, err := m.findOne(ctx, locale, content.Query{
		"uid":         uid,
		"download_id": content.Query{"$exists": true},
		"filename":    current["filename"],
	})
	if err != nil {
		return nil, nil, err
	}
	return current, embedded, nil
}

// Lookup returns the stored record of an asset by uid, or nil.
func (m *Manager) Lookup(ctx context.Context, locale content.Locale, uid string) (map[string]any, error) {
	return m.findOne(ctx, locale, content.Query{"uid": uid})
}

// Known reports which asset uids have a stored record in locale.
func (m *Manager) Known(ctx context.Context, locale content.Locale) (func(uid string) bool, error) {
	result, err := m.store.Find(ctx, m.query(locale, nil), storage.FindOptions{})
	if err != nil {
		return nil, err
	}
	uids := make(map[string]struct{}, len(result.Entries))
	for _, asset := range result.Entries {
		if uid := content.StringValue(asset["uid"]); uid != "" {
			uids[uid] = struct{}{}
		}
	}
	return func(uid string) bool {
		_, ok := uids[uid]
		return ok
	}, nil
}

func (m *Manager) binaryKey(asset map[string]any) (string, error) {
	values, err := content.AssetPathValues(asset, m.config.Keys)
	if err != nil {
		return "", err
	}
	return strings.Join(values, "/"), nil
}

// Publish downloads asset into the locale sink and upserts its _assets record. The
// download is skipped when nothing changed and the binary is present.
func (m *Manager) Publish(ctx context.Context, locale content.Locale, asset map[string]any) (map[string]any, error) {
	uid := content.StringValue(asset["uid"])
	if uid == "" {
		return nil, content.E(content.KindValidation, "publish asset", "asset uid is required")
	}
	current, embedded, err := m.stored(ctx, locale, uid)
	if err != nil {
		return nil, err
	}
	asset = content.CloneMap(asset)
	forceLoad, _ := asset["force_load"].(bool)
	for _, key := range strippedAssetKeys {
		delete(asset, key)
	}
	key, err := m.binaryKey(asset)
	if err != nil {
		return nil, err
	}
	asset["_internal_url"] = content.NewAssetURLBuilder(m.config, locale).Join(strings.Split(key, "/"))

	sink := m.sinks(locale)
	if current != nil && reflect.DeepEqual(current, asset) && !forceLoad && sink.Exists(ctx, key) {
		m.logger.Debug("asset unchanged, skipping download", zap.String("uid", uid), zap.String("locale", locale.Code))
		return asset, nil
	}
	if current != nil && embedded == nil {
		if oldKey, keyErr := m.binaryKey(current); keyErr == nil && oldKey != key {
			if err := sink.Remove(ctx, oldKey); err != nil {
				return nil, content.Wrap(content.KindStorageIO, "remove asset binary", err)
			}
		}
	}
	if err := m.fetch(ctx, sink, content.StringValue(asset["url"]), key); err != nil {
		return nil, err
	}
	if _, err := m.store.Upsert(ctx, content.Record{UID: uid, ContentType: content.AssetsUID, Locale: locale.Code, Data: asset}); err != nil {
		return nil, err
	}
	m.logger.Info("asset published", zap.String("uid", uid), zap.String("locale", locale.Code), zap.String("key", key))
	return asset, nil
}

func (m *Manager) fetch(ctx context.Context, sink Sink, rawURL, key string) error {
	resp, err := m.downloader.Download(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := sink.Put(ctx, key, resp.Body); err != nil {
		return content.Wrap(content.KindStorageIO, "store asset binary", err)
	}
	return nil
}

// PublishEmbedded downloads an asset referenced from rich text. Its record is keyed by the
// download id and reused while the url is unchanged.
func (m *Manager) PublishEmbedded(ctx context.Context, locale content.Locale, ref content.AssetRef) (map[string]any, error) {
	if ref.DownloadID == "" {
		return nil, content.E(content.KindValidation, "publish embedded asset", "download id is required")
	}
	existing, err := m.findOne(ctx, locale, content.Query{"download_id": ref.DownloadID, "url": ref.URL})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	resp, err := m.downloader.Download(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	asset := map[string]any{
		"uid":         ref.UID,
		"url":         ref.URL,
		"download_id": ref.DownloadID,
		"filename":    attachmentFilename(resp.Header.Get("Content-Disposition"), ref.URL),
	}
	key, err := m.binaryKey(asset)
	if err != nil {
		return nil, err
	}
	if err := m.sinks(locale).Put(ctx, key, resp.Body); err != nil {
		return nil, content.Wrap(content.KindStorageIO, "store asset binary", err)
	}
	asset["_internal_url"] = content.NewAssetURLBuilder(m.config, locale).Join(strings.Split(key, "/"))
	if _, err := m.store.Upsert(ctx, content.Record{UID: ref.DownloadID, ContentType: content.AssetsUID, Locale: locale.Code, Data: asset}); err != nil {
		return nil, err
	}
	return asset, nil
}

func attachmentFilename(disposition, rawURL string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		if decoded, err := url.PathUnescape(params["filename"]); err == nil {
			return decoded
		}
		return params["filename"]
	}
	if _, value, ok := strings.Cut(disposition, "="); ok {
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if decoded, err := url.PathUnescape(value); err == nil && decoded != "" {
			return decoded
		}
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "download"
}

// Unpublish removes the record of uid and its binary, unless a rich text copy still
// shares the binary.
func (m *Manager) Unpublish(ctx context.Context, locale content.Locale, uid string) error {
	current, embedded, err := m.stored(ctx, locale, uid)
	if err != nil || current == nil {
		return err
	}
	if embedded == nil {
		key, err := m.binaryKey(current)
		if err != nil {
			return err
		}
		if err := m.sinks(locale).Remove(ctx, key); err != nil {
			return content.Wrap(content.KindStorageIO, "remove asset binary", err)
		}
	}
	_, err = m.store.Remove(ctx, storage.Query{ContentType: content.AssetsUID, Locale: locale.Code, UID: uid})
	return err
}

// Delete drops the asset folder and every _assets record carrying uid.
func (m *Manager) Delete(ctx context.Context, locale content.Locale, uid string) error {
	if strings.TrimSpace(uid) == "" {
		return content.E(content.KindValidation, "delete asset", "asset uid is required")
	}
	if err := m.sinks(locale).RemoveAll(ctx, uid); err != nil {
		return content.Wrap(content.KindStorageIO, "remove asset folder", err)
	}
	_, err := m.store.Remove(ctx, storage.Query{ContentType: content.AssetsUID, Locale: locale.Code, Where: content.Query{"uid": uid}})
	return err
}

// Resolve publishes each referenced asset in order and returns them keyed by download id,
// or uid for file field assets.
func (m *Manager) Resolve(ctx context.Context, locale content.Locale, refs []content.AssetRef) (map[string]map[string]any, error) {
	resolved := make(map[string]map[string]any, len(refs))
	for _, ref := range refs {
		var (
			asset map[string]any
			err   error
		)
		if ref.DownloadID != "" {
			asset, err = m.PublishEmbedded(ctx, locale, ref)
		} else {
			obj := ref.Object
			if obj == nil {
				obj = map[string]any{"uid": ref.UID, "url": ref.URL}
			}
			asset, err = m.Publish(ctx, locale, obj)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve asset %s: %w", ref.Key(), err)
		}
		resolved[ref.Key()] = asset
	}
	return resolved, nil
}
