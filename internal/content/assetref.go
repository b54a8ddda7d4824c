package content

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	legacyMarkdownAssetPattern = regexp.MustCompile(`https://(dev-new-|stag-new-|)(contentstack-|)api.(built|contentstack).io/(.*?)/download(.*?)uid=([a-z0-9]+[^&?\s])((.*)[\n\s]?)`)
	legacyHTMLAssetPattern     = regexp.MustCompile(`https://(dev-new-|stag-new-|)(contentstack-|)api.(built|contentstack).io/(.*?)/download(.*?)uid=([a-z0-9]+[^?&'"])(.*?)`)
	cdnMarkdownAssetPattern    = regexp.MustCompile(`(https://(dev-|stag-|)(assets|images).contentstack.io/v\d/assets/(.*?)/(.*?)/(.*?)/(.*))`)
	cdnHTMLAssetPattern        = regexp.MustCompile(`"(https://(dev-|stag-|)(assets|images).contentstack.io/v\d/assets/(.*?)/(.*?)/(.*?)/(.*?))"`)
)

// AssetRef is an asset found in an entry: either the object held by a file field or a
// URL embedded in rich text, which is identified by its download id.
type AssetRef struct {
	UID        string
	URL        string
	DownloadID string
	Object     map[string]any
}

func (r AssetRef) Key() string {
	if r.DownloadID != "" {
		return r.DownloadID
	}
	return r.UID
}

// GetAssetsIDs scans file fields (when binaries are downloaded) and text fields of entry.
// File objects whose uid is unknown to the caller are reduced to {uid, filename}.
func GetAssetsIDs(schema []Field, entry map[string]any, downloadAssets bool, known func(uid string) bool) []AssetRef {
	var refs []AssetRef
	WalkSchema(schema, func(path Path, field Field) {
		isFile := field.DataType == DataTypeFile && downloadAssets
		if !isFile && field.DataType != DataTypeText {
			return
		}
		visitField(entry, path, func(parent map[string]any, key string) {
			for _, value := range leafValues(parent[key]) {
				if isFile {
					obj, ok := value.(map[string]any)
					if !ok {
						continue
					}
					uid := StringValue(obj["uid"])
					if uid == "" {
						continue
					}
					if known != nil && known(uid) {
						refs = append(refs, AssetRef{UID: uid, URL: StringValue(obj["url"]), Object: obj})
						continue
					}
					for k := range obj {
						if k != "uid" && k != "filename" {
							delete(obj, k)
						}
					}
					continue
				}
				text, ok := value.(string)
				if !ok {
					continue
				}
				refs = append(refs, EmbeddedAssets(text, field.FieldMetadata.Markdown)...)
			}
		})
	})
	return refs
}

func leafValues(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

// EmbeddedAssets lists the origin asset URLs embedded in a rich text (HTML) or markdown
// value, each identified by its asset uid and download id.
func EmbeddedAssets(text string, markdown bool) []AssetRef {
	var refs []AssetRef
	legacy, current := legacyHTMLAssetPattern, cdnHTMLAssetPattern
	if markdown {
		legacy, current = legacyMarkdownAssetPattern, cdnMarkdownAssetPattern
	}
	for _, m := range legacy.FindAllStringSubmatch(text, -1) {
		ref := AssetRef{UID: m[6], URL: m[0], DownloadID: downloadID(m[0], 1)}
		refs = append(refs, ref)
	}
	for _, m := range current.FindAllStringSubmatch(text, -1) {
		ref := AssetRef{UID: m[5], URL: m[1], DownloadID: downloadID(m[1], 4)}
		refs = append(refs, ref)
	}
	return refs
}

// RewriteAssetURLs replaces every URL in text that points at asset uid with replacement.
// Origin asset URLs match, as do local URLs under localPrefix with uid as a path segment.
func RewriteAssetURLs(text, uid, localPrefix, replacement string) string {
	if uid == "" || !strings.Contains(text, uid) {
		return text
	}
	target := regexp.QuoteMeta(uid)
	patterns := []string{
		`(?P<start>)https://(?:dev-|stag-|)(?:assets|images)\.contentstack\.io/v\d/assets/[^/\s"'<>]+/` + target + `/[^\s"'<>)]*(?P<end>)`,
		`(?P<start>)https://(?:dev-new-|stag-new-|)(?:contentstack-|)api\.(?:built|contentstack)\.io/[^\s"'<>]*?/download[^\s"'<>]*?uid=` + target + `(?:[&#;][^\s"'<>)]*)?(?P<end>[\s"'<>)]|$)`,
	}
	if localPrefix != "" {
		// Local URLs start a value; origin URLs also contain "/assets/".
		patterns = append(patterns, `(?P<start>^|[\s"'(=])`+regexp.QuoteMeta(localPrefix)+`(?:[^\s"'<>)/]+/)*`+target+`(?:/[^\s"'<>)]*)?(?P<end>[\s"'<>)]|$)`)
	}
	template := "${start}" + strings.ReplaceAll(replacement, "$", "$$") + "${end}"
	out := text
	for _, pattern := range patterns {
		out = regexp.MustCompile(pattern).ReplaceAllString(out, template)
	}
	return out
}

// downloadID is the URL path with its first skip segments (after the leading slash) removed.
func downloadID(raw string, skip int) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	segments := strings.Split(parsed.Path, "/")
	if len(segments) <= skip {
		return ""
	}
	return strings.Join(segments[skip:], "/")
}

// AssetURLBuilder renders the public URL of a downloaded asset for one locale.
type AssetURLBuilder struct {
	Keys              []string
	RelativeURLPrefix string
	Locale            Locale
}

func NewAssetURLBuilder(cfg AssetsConfig, locale Locale) AssetURLBuilder {
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = DefaultAssetsConfig().Keys
	}
	return AssetURLBuilder{Keys: keys, RelativeURLPrefix: cfg.RelativeURLPrefix, Locale: locale}
}

func (b AssetURLBuilder) URL(asset map[string]any) (string, error) {
	values, err := AssetPathValues(asset, b.Keys)
	if err != nil {
		return "", err
	}
	return b.Join(values), nil
}

func (b AssetURLBuilder) Join(values []string) string {
	assetURL := b.RelativeURLPrefix + strings.Join(values, "/")
	if !(b.Locale.RelativeURLPrefix == "/" || b.Locale.Host != "") {
		assetURL = strings.TrimSuffix(b.Locale.RelativeURLPrefix, "/") + assetURL
	}
	return assetURL
}

// AssetPathValues renders the key template for asset. The uid key prefers
// _metadata.object_id when present.
func AssetPathValues(asset map[string]any, keys []string) ([]string, error) {
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "uid" {
			if meta, ok := asset["_metadata"].(map[string]any); ok {
				if objectID := StringValue(meta["object_id"]); objectID != "" {
					values = append(values, objectID)
					continue
				}
			}
			values = append(values, StringValue(asset["uid"]))
			continue
		}
		value := StringValue(asset[key])
		if value == "" {
			return nil, E(KindValidation, "asset path", fmt.Sprintf("%s key is not defined in the asset object", key))
		}
		values = append(values, value)
	}
	return values, nil
}

// ResolveAssetURLs stamps _internal_url on file objects and rewrites embedded asset URLs
// found in text fields with the resolved asset's _internal_url. assets is keyed by uid, or
// by download id for embedded assets.
func ResolveAssetURLs(assets map[string]map[string]any, schema []Field, entry map[string]any, downloadAssets bool, builder AssetURLBuilder) (map[string]any, error) {
	if entry == nil {
		return nil, nil
	}
	var firstErr error
	WalkSchema(schema, func(path Path, field Field) {
		isFile := field.DataType == DataTypeFile && downloadAssets
		if !isFile && field.DataType != DataTypeText {
			return
		}
		visitField(entry, path, func(parent map[string]any, key string) {
			switch v := parent[key].(type) {
			case []any:
				for i := range v {
					out, err := resolveLeaf(v[i], field, isFile, assets, builder)
					if err != nil && firstErr == nil {
						firstErr = err
					}
					v[i] = out
				}
			default:
				out, err := resolveLeaf(v, field, isFile, assets, builder)
				if err != nil && firstErr == nil {
					firstErr = err
				}
				parent[key] = out
			}
		})
	})
	return entry, firstErr
}

func resolveLeaf(value any, field Field, isFile bool, assets map[string]map[string]any, builder AssetURLBuilder) (any, error) {
	if isFile {
		obj, ok := value.(map[string]any)
		if !ok {
			return value, nil
		}
		if _, hasName := obj["filename"]; !hasName {
			return value, nil
		}
		if _, hasURL := obj["url"]; !hasURL {
			return value, nil
		}
		internal, err := builder.URL(obj)
		if err != nil {
			return value, err
		}
		obj["_internal_url"] = internal
		return obj, nil
	}
	text, ok := value.(string)
	if !ok {
		return value, nil
	}
	return replaceEmbeddedURLs(text, field.FieldMetadata.Markdown, assets), nil
}

func replaceEmbeddedURLs(text string, markdown bool, assets map[string]map[string]any) string {
	out := text
	for _, ref := range EmbeddedAssets(text, markdown) {
		asset, ok := assets[ref.DownloadID]
		if !ok || StringValue(asset["url"]) != ref.URL {
			continue
		}
		internal := StringValue(asset["_internal_url"])
		if internal == "" {
			continue
		}
		replacement := internal
		if markdown {
			replacement = (&url.URL{Path: internal}).EscapedPath() + "\n"
		}
		out = strings.Replace(out, ref.URL, replacement, 1)
	}
	return out
}
