package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ContentTypesUID      = "_content_types"
	RoutesUID            = "_routes"
	AssetsUID            = "_assets"
	AssetMapperUID       = "_assetMapper"
	AssetMapperRecordUID = "assetMapper"

	ReferenceValuesKey = "values"
	ReferenceTargetKey = "_content_type_id"
)

const (
	DataTypeReference = "reference"
	DataTypeFile      = "file"
	DataTypeText      = "text"
	DataTypeGroup     = "group"
	DataTypeBlocks    = "blocks"
)

// Record is the storage envelope around a raw payload.
type Record struct {
	UID         string         `json:"_uid"`
	ContentType string         `json:"_content_type_uid"`
	Locale      string         `json:"locale,omitempty"`
	Data        map[string]any `json:"_data"`
}

func (r Record) Clone() Record {
	out := r
	out.Data = CloneMap(r.Data)
	return out
}

// Envelope renders the record as the generic map shape used by include-envelope reads.
func (r Record) Envelope() map[string]any {
	return map[string]any{
		"_uid":              r.UID,
		"_content_type_uid": r.ContentType,
		"locale":            r.Locale,
		"_data":             CloneMap(r.Data),
	}
}

type FieldMetadata struct {
	Markdown      bool   `json:"markdown,omitempty"`
	RichTextType  string `json:"rich_text_type,omitempty"`
	AllowRichText bool   `json:"allow_rich_text,omitempty"`
}

type Block struct {
	UID    string  `json:"uid"`
	Title  string  `json:"title,omitempty"`
	Schema []Field `json:"schema,omitempty"`
}

type Field struct {
	UID           string        `json:"uid"`
	DataType      string        `json:"data_type"`
	DisplayName   string        `json:"display_name,omitempty"`
	ReferenceTo   any           `json:"reference_to,omitempty"`
	Multiple      bool          `json:"multiple,omitempty"`
	FieldMetadata FieldMetadata `json:"field_metadata,omitempty"`
	Schema        []Field       `json:"schema,omitempty"`
	Blocks        []Block       `json:"blocks,omitempty"`
}

// ReferenceTarget reports the target content type of a single-target reference field.
func (f Field) ReferenceTarget() (string, bool) {
	switch v := f.ReferenceTo.(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case []any:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok && s != "" {
				return s, true
			}
		}
	case []string:
		if len(v) == 1 && v[0] != "" {
			return v[0], true
		}
	}
	return "", false
}

type ContentType struct {
	UID       string  `json:"uid"`
	Title     string  `json:"title,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
	Schema    []Field `json:"schema"`
}

func ContentTypeFromMap(data map[string]any) (ContentType, error) {
	var ct ContentType
	if data == nil {
		return ct, E(KindValidation, "decode content type", "content type is empty")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ct, Wrap(KindValidation, "decode content type", err)
	}
	if err := json.Unmarshal(raw, &ct); err != nil {
		return ct, Wrap(KindValidation, "decode content type", err)
	}
	return ct, nil
}

// Action is the lifecycle event applied to an entity.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
	ActionDelete    Action = "delete"
)

// Removes reports whether the action takes the entity out of the store.
func (a Action) Removes() bool {
	return a == ActionUnpublish || a == ActionDelete
}

type Locale struct {
	Code              string `json:"code" mapstructure:"code"`
	RelativeURLPrefix string `json:"relative_url_prefix" mapstructure:"relative_url_prefix"`
	Host              string `json:"host,omitempty" mapstructure:"host"`
	ContentPath       string `json:"content_path,omitempty" mapstructure:"content_path"`
	AssetsPath        string `json:"assets_path,omitempty" mapstructure:"assets_path"`
}

type AssetsConfig struct {
	Download          bool     `mapstructure:"download"`
	Keys              []string `mapstructure:"keys"`
	RelativeURLPrefix string   `mapstructure:"relative_url_prefix"`
}

func DefaultAssetsConfig() AssetsConfig {
	return AssetsConfig{
		Download:          true,
		Keys:              []string{"uid", "filename"},
		RelativeURLPrefix: "/assets/",
	}
}

func StringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
