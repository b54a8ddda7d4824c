package storage

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/philpoore/contentstack-express/internal/content"
)

// EntryQuerier is the slice of the origin client the CDN provider reads through.
type EntryQuerier interface {
	QueryEntries(ctx context.Context, contentTypeUID string, params url.Values) (map[string]any, error)
}

// SchemaLookup resolves the schema of a content type, used to request reference
// inclusion from the delivery API. Without one the schema is read from the API itself.
type SchemaLookup func(ctx context.Context, locale, contentTypeUID string) ([]content.Field, error)

// CDNProvider answers reads from the delivery API. It never writes.
type CDNProvider struct {
	client  EntryQuerier
	schemas SchemaLookup
}

func NewCDNProvider(client EntryQuerier, schemas SchemaLookup) *CDNProvider {
	return &CDNProvider{client: client, schemas: schemas}
}

func (p *CDNProvider) params(q Query, opts FindOptions) (url.Values, error) {
	params := url.Values{}
	where := map[string]any{}
	for k, v := range q.Where {
		where[k] = v
	}
	if q.UID != "" {
		where["uid"] = q.UID
	}
	if len(where) > 0 {
		encoded, err := json.Marshal(where)
		if err != nil {
			return nil, content.Wrap(content.KindValidation, "cdn query", err)
		}
		params.Set("query", string(encoded))
	}
	params.Set("locale", q.Locale)
	if q.IncludeCount {
		params.Set("include_count", "true")
	}
	if opts.Skip > 0 {
		params.Set("skip", strconv.Itoa(opts.Skip))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	sortKeys := opts.Sort
	if len(sortKeys) == 0 {
		sortKeys = defaultSort
	}
	if sortKeys[0].Desc {
		params.Set("desc", sortKeys[0].Field)
	} else {
		params.Set("asc", sortKeys[0].Field)
	}
	return params, nil
}

// query fetches q, asking for every reference path of the content type with include[].
// Without a schema lookup a first request made with include_content_type supplies the
// schema, and is the answer when the content type has no references.
func (p *CDNProvider) query(ctx context.Context, q Query, params url.Values) (map[string]any, error) {
	if !q.includeReferences() {
		return p.client.QueryEntries(ctx, q.ContentType, params)
	}
	var schema []content.Field
	if p.schemas != nil {
		found, err := p.schemas(ctx, q.Locale, q.ContentType)
		if err != nil {
			return nil, err
		}
		schema = found
	} else {
		first := url.Values{}
		for k, v := range params {
			first[k] = append([]string(nil), v...)
		}
		first.Set("include_content_type", "true")
		body, err := p.client.QueryEntries(ctx, q.ContentType, first)
		if err != nil {
			return nil, err
		}
		raw, ok := body["content_type"].(map[string]any)
		if !ok {
			return body, nil
		}
		ct, err := content.ContentTypeFromMap(raw)
		if err != nil {
			return nil, err
		}
		schema = ct.Schema
		if len(content.FindReferencePaths(schema)) == 0 {
			return body, nil
		}
	}
	for _, path := range content.FindReferencePaths(schema) {
		params.Add("include[]", path)
	}
	return p.client.QueryEntries(ctx, q.ContentType, params)
}

func (p *CDNProvider) Find(ctx context.Context, q Query, opts FindOptions) (FindResult, error) {
	if err := q.validate("find"); err != nil {
		return FindResult{}, err
	}
	params, err := p.params(q, opts)
	if err != nil {
		return FindResult{}, err
	}
	body, err := p.query(ctx, q, params)
	if err != nil {
		return FindResult{}, err
	}
	result := FindResult{Entries: entriesOf(body)}
	if q.IncludeCount {
		count := len(result.Entries)
		if c, ok := body["count"].(float64); ok {
			count = int(c)
		}
		result.Count = &count
	}
	return result, nil
}

func (p *CDNProvider) FindOne(ctx context.Context, q Query) (FindOneResult, error) {
	result, err := p.Find(ctx, q, FindOptions{Limit: 1})
	if err != nil {
		return FindOneResult{}, err
	}
	if len(result.Entries) == 0 {
		return FindOneResult{}, nil
	}
	return FindOneResult{Entry: result.Entries[0]}, nil
}

func (p *CDNProvider) Count(ctx context.Context, q Query) (int, error) {
	q.IncludeCount = true
	result, err := p.Find(ctx, q.WithoutReferences(), FindOptions{Limit: 1})
	if err != nil {
		return 0, err
	}
	return *result.Count, nil
}

func (p *CDNProvider) Insert(ctx context.Context, rec content.Record) (int, error) {
	return 0, readOnly("insert")
}

func (p *CDNProvider) Upsert(ctx context.Context, rec content.Record) (int, error) {
	return 0, readOnly("upsert")
}

func (p *CDNProvider) Remove(ctx context.Context, q Query) (int, error) {
	return 0, readOnly("remove")
}

func (p *CDNProvider) BulkInsert(ctx context.Context, b BulkInsert) (int, error) {
	return 0, readOnly("bulk insert")
}

func (p *CDNProvider) Close() error {
	return nil
}

func readOnly(op string) error {
	return &content.Error{Kind: content.KindStorageIO, Op: op, Err: ErrReadOnly}
}

func entriesOf(body map[string]any) []map[string]any {
	raw, _ := body["entries"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}
