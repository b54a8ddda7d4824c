package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/philpoore/contentstack-express/internal/content"
)

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrReadOnly       = errors.New("read-only provider")
)

// Provider is the persistence contract the sync engine writes through.
type Provider interface {
	Find(ctx context.Context, q Query, opts FindOptions) (FindResult, error)
	FindOne(ctx context.Context, q Query) (FindOneResult, error)
	Count(ctx context.Context, q Query) (int, error)
	Insert(ctx context.Context, rec content.Record) (int, error)
	Upsert(ctx context.Context, rec content.Record) (int, error)
	Remove(ctx context.Context, q Query) (int, error)
	BulkInsert(ctx context.Context, b BulkInsert) (int, error)
	Close() error
}

type Query struct {
	ContentType string
	Locale      string
	UID         string
	Where       content.Query
	// IncludeReferences defaults to true when nil.
	IncludeReferences *bool
	IncludeCount      bool
}

func (q Query) includeReferences() bool {
	return q.IncludeReferences == nil || *q.IncludeReferences
}

func (q Query) validate(op string) error {
	if strings.TrimSpace(q.ContentType) == "" {
		return content.E(content.KindValidation, op, "content type is required")
	}
	if strings.TrimSpace(q.Locale) == "" {
		return content.E(content.KindValidation, op, "locale is required")
	}
	return nil
}

// WithoutReferences returns q with reference expansion turned off.
func (q Query) WithoutReferences() Query {
	off := false
	q.IncludeReferences = &off
	return q
}

type SortKey struct {
	Field string
	Desc  bool
}

type FindOptions struct {
	// Sort defaults to published_at descending.
	Sort  []SortKey
	Skip  int
	Limit int
}

type FindResult struct {
	Entries []map[string]any
	Count   *int
}

type FindOneResult struct {
	Entry map[string]any
}

// BulkInsert replaces one collection with Records. Each record's uid is read from
// uid, falling back to entry.uid.
type BulkInsert struct {
	ContentType string
	Locale      string
	Records     []map[string]any
}

func recordUID(data map[string]any) string {
	if uid := content.StringValue(data["uid"]); uid != "" {
		return uid
	}
	if entry, ok := data["entry"].(map[string]any); ok {
		return content.StringValue(entry["uid"])
	}
	return ""
}
