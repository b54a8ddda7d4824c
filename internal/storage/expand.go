package storage

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/philpoore/contentstack-express/internal/content"
)

type markerSite struct {
	marker  content.Marker
	inArray bool
	set     func(v any)
}

// droppedValue marks an array element whose reference resolved to nothing.
type droppedValue struct{}

// expandEntry replaces every reference marker inside entry with the records it points
// at. Lookups of one pass run concurrently; their results are applied after the pass so
// entry is only mutated by the calling goroutine.
func (e *Engine) expandEntry(ctx context.Context, locale string, entry map[string]any, references map[string][]string) error {
	parentID := content.StringValue(entry["uid"])
	for {
		sites := collectMarkers(entry)
		if len(sites) == 0 {
			return nil
		}
		values := make([]any, len(sites))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.expandLimit)
		for i, site := range sites {
			i, site := i, site
			g.Go(func() error {
				v, err := e.resolveMarker(gctx, locale, site.marker, references, parentID)
				if err != nil {
					return err
				}
				values[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		compactNeeded := false
		for i, site := range sites {
			v := values[i]
			if v == nil {
				if site.inArray {
					v = droppedValue{}
					compactNeeded = true
				} else {
					v = map[string]any{}
				}
			}
			site.set(v)
		}
		if compactNeeded {
			compact(entry)
		}
	}
}

func (e *Engine) resolveMarker(ctx context.Context, locale string, marker content.Marker, references map[string][]string, parentID string) (any, error) {
	uids := make([]string, 0, len(marker.Values))
	for _, uid := range marker.Values {
		if content.IsCyclic(uid, references) {
			continue
		}
		uids = append(uids, uid)
	}
	found, err := e.findUIDs(ctx, locale, marker.Target, uids, content.CloneReferences(references), parentID)
	if err != nil {
		return nil, err
	}
	if marker.Single {
		if len(found) == 0 {
			if marker.Target == content.AssetsUID {
				return map[string]any{}, nil
			}
			return nil, nil
		}
		return found[0], nil
	}
	list := make([]any, 0, len(found))
	for _, item := range found {
		list = append(list, item)
	}
	return list, nil
}

// findUIDs returns the records of ct named by uids in the order given, each expanded
// under references with parentID recorded as their referrer.
func (e *Engine) findUIDs(ctx context.Context, locale, ct string, uids []string, references map[string][]string, parentID string) ([]map[string]any, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	records, _, err := e.load(ctx, CollectionKey{Locale: locale, ContentType: ct})
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]content.Record, len(records))
	for _, rec := range records {
		byUID[rec.UID] = rec
	}
	out := make([]map[string]any, 0, len(uids))
	foundUIDs := make([]string, 0, len(uids))
	for _, uid := range uids {
		rec, ok := byUID[uid]
		if !ok {
			continue
		}
		out = append(out, content.CloneMap(rec.Data))
		foundUIDs = append(foundUIDs, uid)
	}
	if parentID != "" {
		content.AddReferences(references, parentID, foundUIDs)
	}
	if ct == content.AssetsUID {
		return out, nil
	}
	for _, item := range out {
		if err := e.expandEntry(ctx, locale, item, references); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectMarkers(node any) []markerSite {
	var sites []markerSite
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for key, child := range t {
				key := key
				if marker, ok := content.AsMarker(child); ok {
					sites = append(sites, markerSite{marker: marker, set: func(v any) { t[key] = v }})
					continue
				}
				walk(child)
			}
		case []any:
			for i, child := range t {
				i := i
				if marker, ok := content.AsMarker(child); ok {
					sites = append(sites, markerSite{marker: marker, inArray: true, set: func(v any) { t[i] = v }})
					continue
				}
				walk(child)
			}
		}
	}
	walk(node)
	return sites
}

func compact(node any) any {
	switch t := node.(type) {
	case map[string]any:
		for key, child := range t {
			t[key] = compact(child)
		}
		return t
	case []any:
		out := t[:0]
		for _, child := range t {
			if _, drop := child.(droppedValue); drop {
				continue
			}
			out = append(out, compact(child))
		}
		return out
	}
	return node
}
