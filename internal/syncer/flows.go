package syncer

import (
	"context"

	"github.com/philpoore/contentstack-express/internal/content"
	"github.com/philpoore/contentstack-express/internal/mapper"
	"github.com/philpoore/contentstack-express/internal/storage"
)

func (s *Syncer) publishEntry(ctx context.Context, ev *event) (Report, error) {
	ctUID := ev.obj.ContentTypeUID()
	uid := ev.obj.EntityUID()
	ref := ev.obj.entity()
	code := ev.locale.Code
	fetchLocale := ref.Locale
	if fetchLocale == "" {
		fetchLocale = code
	}
	cfg := s.assets.Config()

	ev.machine.to(StateFetching)
	fetched, err := s.origin.FetchEntry(ctx, ctUID, uid, fetchLocale, ref.Version)
	if err != nil {
		return Report{}, err
	}
	if fetched.ContentType == nil {
		return Report{}, content.E(content.KindNotFound, "fetch entry", "content type "+ctUID+" missing from origin response")
	}
	schema, err := content.ContentTypeFromMap(fetched.ContentType)
	if err != nil {
		return Report{}, err
	}
	entry := content.NormalizeReferences(schema.Schema, content.DeleteKeys(fetched.Entry, s.now()), cfg.Download)
	if content.StringValue(entry["uid"]) == "" {
		entry["uid"] = uid
	}

	ev.machine.to(StateResolving)
	seen := mapper.EntryAssets(schema.Schema, entry)
	entry, err = s.resolveAssets(ctx, ev.locale, schema.Schema, entry)
	if err != nil {
		return Report{}, err
	}
	data := &HookData{Type: TypeEntry, Locale: ev.locale, Entry: entry, ContentType: fetched.ContentType}
	if err := s.hooks.Run(ctx, BeforePublish, data); err != nil {
		return Report{}, err
	}

	ev.machine.to(StatePersisting)
	if err := s.upsertSchema(ctx, code, ctUID, data.ContentType); err != nil {
		return Report{}, err
	}
	if _, err := s.store.Upsert(ctx, content.Record{UID: uid, ContentType: ctUID, Locale: code, Data: data.Entry}); err != nil {
		return Report{}, err
	}
	if err := s.upsertRoute(ctx, code, ctUID, uid, data.Entry); err != nil {
		return Report{}, err
	}

	ev.machine.to(StateMapperUpdating)
	if err := s.mapper.PublishEntry(ctx, code, ctUID, data.Entry, schema.Schema, seen); err != nil {
		return Report{}, err
	}
	return successReport(StatusPublished, "Entry"), nil
}

// resolveAssets publishes the assets entry embeds and points the entry at their local
// copies.
func (s *Syncer) resolveAssets(ctx context.Context, locale content.Locale, schema []content.Field, entry map[string]any) (map[string]any, error) {
	cfg := s.assets.Config()
	known, err := s.assets.Known(ctx, locale)
	if err != nil {
		return nil, err
	}
	refs := content.GetAssetsIDs(schema, entry, cfg.Download, known)
	if len(refs) == 0 {
		return entry, nil
	}
	resolved, err := s.assets.Resolve(ctx, locale, refs)
	if err != nil {
		return nil, err
	}
	return content.ResolveAssetURLs(resolved, schema, entry, cfg.Download, content.NewAssetURLBuilder(cfg, locale))
}

// upsertSchema writes ct unless the stored copy carries the same updated_at, or none.
func (s *Syncer) upsertSchema(ctx context.Context, locale, ctUID string, ct map[string]any) error {
	stored, err := s.store.FindOne(ctx, storage.Query{
		ContentType: content.ContentTypesUID,
		Locale:      locale,
		UID:         ctUID,
	}.WithoutReferences())
	if err != nil {
		return err
	}
	if stored.Entry != nil {
		storedAt := content.StringValue(stored.Entry["updated_at"])
		if storedAt == "" || storedAt == content.StringValue(ct["updated_at"]) {
			return nil
		}
	}
	data := content.CloneMap(ct)
	if content.StringValue(data["uid"]) == "" {
		data["uid"] = ctUID
	}
	_, err = s.store.Upsert(ctx, content.Record{UID: ctUID, ContentType: content.ContentTypesUID, Locale: locale, Data: data})
	return err
}

func (s *Syncer) upsertRoute(ctx context.Context, locale, ctUID, uid string, entry map[string]any) error {
	url := content.StringValue(entry["url"])
	if url == "" {
		return nil
	}
	_, err := s.store.Upsert(ctx, content.Record{
		UID:         uid,
		ContentType: content.RoutesUID,
		Locale:      locale,
		Data: map[string]any{
			"uid":          uid,
			"url":          url,
			"content_type": map[string]any{"uid": ctUID},
		},
	})
	return err
}

func (s *Syncer) removeEntry(ctx context.Context, ev *event) (Report, error) {
	ctUID := ev.obj.ContentTypeUID()
	uid := ev.obj.EntityUID()
	code := ev.locale.Code

	ev.machine.to(StateFetching)
	stored, err := s.store.FindOne(ctx, storage.Query{ContentType: ctUID, Locale: code, UID: uid}.WithoutReferences())
	if err != nil {
		return Report{}, err
	}
	ct, err := s.store.FindOne(ctx, storage.Query{ContentType: content.ContentTypesUID, Locale: code, UID: ctUID}.WithoutReferences())
	if err != nil {
		return Report{}, err
	}
	data := &HookData{Type: TypeEntry, Locale: ev.locale, Entry: stored.Entry, ContentType: ct.Entry}
	if err := s.hooks.Run(ctx, BeforeUnpublish, data); err != nil {
		return Report{}, err
	}

	ev.machine.to(StatePersisting)
	if _, err := s.store.Remove(ctx, storage.Query{ContentType: ctUID, Locale: code, UID: uid}); err != nil {
		return Report{}, err
	}
	if _, err := s.store.Remove(ctx, storage.Query{ContentType: content.RoutesUID, Locale: code, UID: uid}); err != nil {
		return Report{}, err
	}

	ev.machine.to(StateMapperUpdating)
	if err := s.mapper.RemoveEntry(ctx, code, ctUID, uid); err != nil {
		return Report{}, err
	}
	if ev.obj.Action == content.ActionDelete {
		return successReport(StatusDeleted, "Entry"), nil
	}
	return successReport(StatusUnpublished, "Entry"), nil
}

func (s *Syncer) publishAsset(ctx context.Context, ev *event) (Report, error) {
	uid := ev.obj.EntityUID()
	ref := ev.obj.entity()

	ev.machine.to(StateFetching)
	metadata, err := s.origin.FetchAsset(ctx, uid, ref.Locale, ref.Version)
	if err != nil {
		return Report{}, err
	}
	metadata["force_load"] = false
	stored, err := s.assets.Lookup(ctx, ev.locale, uid)
	if err != nil {
		return Report{}, err
	}
	if !sameAssetVersion(stored, metadata) {
		ev.machine.to(StateMapperUpdating)
		locales := s.localesFor(ev.obj.Locale, ev.locale)
		if err := s.mapper.UpdateAssetReferences(ctx, uid, locales, false, metadata, ev.obj.Action); err != nil {
			return Report{}, err
		}
	}
	data := &HookData{Type: TypeAsset, Locale: ev.locale, Asset: metadata}
	if err := s.hooks.Run(ctx, BeforePublish, data); err != nil {
		return Report{}, err
	}

	ev.machine.to(StatePersisting)
	if _, err := s.assets.Publish(ctx, ev.locale, data.Asset); err != nil {
		return Report{}, err
	}
	return successReport(StatusPublished, "Asset"), nil
}

// sameAssetVersion reports whether the cached asset already carries everything the
// mapper would propagate, so referencing entries need no rework.
func sameAssetVersion(stored, metadata map[string]any) bool {
	if stored == nil {
		return false
	}
	for _, key := range []string{"_version", "filename", "url"} {
		if content.StringValue(stored[key]) != content.StringValue(metadata[key]) {
			return false
		}
	}
	return true
}

func (s *Syncer) removeAsset(ctx context.Context, ev *event) (Report, error) {
	uid := ev.obj.EntityUID()
	action := ev.obj.Action

	stored, err := s.assets.Lookup(ctx, ev.locale, uid)
	if err != nil {
		return Report{}, err
	}

	ev.machine.to(StateMapperUpdating)
	locales := s.localesFor(ev.obj.Locale, ev.locale)
	if err := s.mapper.UpdateAssetReferences(ctx, uid, locales, true, stored, action); err != nil {
		return Report{}, err
	}
	data := &HookData{Type: TypeAsset, Locale: ev.locale, Asset: map[string]any{"uid": uid}}
	if err := s.hooks.Run(ctx, BeforeUnpublish, data); err != nil {
		return Report{}, err
	}

	ev.machine.to(StatePersisting)
	if action != content.ActionDelete {
		if err := s.assets.Unpublish(ctx, ev.locale, uid); err != nil {
			return Report{}, err
		}
		return successReport(StatusUnpublished, "Asset"), nil
	}
	if err := s.assets.Delete(ctx, ev.locale, uid); err != nil {
		return Report{}, err
	}
	if _, err := s.store.Remove(ctx, storage.Query{ContentType: content.RoutesUID, Locale: ev.locale.Code, UID: uid}); err != nil {
		return Report{}, err
	}
	return successReport(StatusDeleted, "Asset"), nil
}

// deleteContentType drops entries, schema, routes and mapper subtree of one content type
// in every locale.
func (s *Syncer) deleteContentType(ctx context.Context, ev *event) (Report, error) {
	ctUID := ev.obj.ContentTypeUID()
	locales := s.allLocales(ev.locale)

	ev.machine.to(StatePersisting)
	for _, locale := range locales {
		if _, err := s.store.Remove(ctx, storage.Query{ContentType: ctUID, Locale: locale.Code}); err != nil {
			return Report{}, err
		}
		if _, err := s.store.Remove(ctx, storage.Query{ContentType: content.ContentTypesUID, Locale: locale.Code, UID: ctUID}); err != nil {
			return Report{}, err
		}
		if _, err := s.store.Remove(ctx, storage.Query{
			ContentType: content.RoutesUID,
			Locale:      locale.Code,
			Where:       content.Query{"content_type.uid": ctUID},
		}); err != nil {
			return Report{}, err
		}
	}

	ev.machine.to(StateMapperUpdating)
	for _, locale := range locales {
		if err := s.mapper.RemoveContentType(ctx, locale.Code, ctUID); err != nil {
			return Report{}, err
		}
	}
	return successReport(StatusDeleted, "Content type"), nil
}

type folderPurge struct {
	locale content.Locale
	uids   []string
}

// deleteFolder removes the local assets of a deleted folder that no longer exist at the
// origin.
func (s *Syncer) deleteFolder(ctx context.Context, ev *event) (Report, error) {
	folder := ev.obj.EntityUID()

	ev.machine.to(StateFetching)
	var purges []folderPurge
	for _, locale := range s.allLocales(ev.locale) {
		result, err := s.store.Find(ctx, storage.Query{
			ContentType: content.AssetsUID,
			Locale:      locale.Code,
			Where:       content.Query{"parent_uid": folder},
		}.WithoutReferences(), storage.FindOptions{})
		if err != nil {
			return Report{}, err
		}
		uids := uniqueUIDs(result.Entries)
		if len(uids) == 0 {
			continue
		}
		remaining, err := s.origin.LookupAssets(ctx, uids)
		if err != nil {
			return Report{}, err
		}
		if gone := difference(uids, remaining); len(gone) > 0 {
			purges = append(purges, folderPurge{locale: locale, uids: gone})
		}
	}

	ev.machine.to(StatePersisting)
	for _, purge := range purges {
		for _, uid := range purge.uids {
			if err := s.assets.Delete(ctx, purge.locale, uid); err != nil {
				return Report{}, err
			}
		}
	}

	ev.machine.to(StateMapperUpdating)
	for _, purge := range purges {
		for _, uid := range purge.uids {
			if err := s.mapper.UpdateAssetReferences(ctx, uid, []content.Locale{purge.locale}, true, nil, content.ActionDelete); err != nil {
				return Report{}, err
			}
		}
	}
	return successReport(StatusDeleted, "Folder"), nil
}

func uniqueUIDs(records []map[string]any) []string {
	seen := make(map[string]struct{}, len(records))
	uids := make([]string, 0, len(records))
	for _, rec := range records {
		uid := content.StringValue(rec["uid"])
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}
	return uids
}

func difference(all, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, uid := range remove {
		drop[uid] = struct{}{}
	}
	var out []string
	for _, uid := range all {
		if _, ok := drop[uid]; !ok {
			out = append(out, uid)
		}
	}
	return out
}
