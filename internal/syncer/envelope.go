package syncer

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/philpoore/contentstack-express/internal/content"
)

// Entity kinds carried by object.type.
const (
	TypeEntry       = "entry"
	TypeAsset       = "asset"
	TypeForm        = "form"
	TypeContentType = "content_type"
	TypeRelease     = "release"
)

// Envelope is one queued lifecycle event together with the locale it applies to.
type Envelope struct {
	Message Message        `json:"message"`
	Lang    content.Locale `json:"lang"`
}

type Message struct {
	Body Body `json:"body"`
}

type Body struct {
	ID     string `json:"_id,omitempty"`
	Object Object `json:"object"`
	// Item is set when the event is one item of a release deploy.
	Item map[string]any `json:"item,omitempty"`
}

type Object struct {
	ID          string         `json:"_id,omitempty"`
	Type        string         `json:"type"`
	Action      content.Action `json:"action"`
	Entry       *EntityRef     `json:"entry,omitempty"`
	Asset       *EntityRef     `json:"asset,omitempty"`
	Form        *FormRef       `json:"form,omitempty"`
	ContentType *TypeRef       `json:"content_type,omitempty"`
	Locale      Codes          `json:"locale,omitempty"`
}

type EntityRef struct {
	UID      string `json:"uid,omitempty"`
	EntryUID string `json:"entry_uid,omitempty"`
	Title    string `json:"title,omitempty"`
	Version  any    `json:"version,omitempty"`
	Locale   string `json:"locale,omitempty"`
	IsDir    bool   `json:"is_dir,omitempty"`
}

type FormRef struct {
	FormUID string `json:"form_uid"`
}

type TypeRef struct {
	UID string `json:"uid"`
}

// Codes accepts a single locale code or a list of them.
type Codes []string

func (c *Codes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var code string
		if err := json.Unmarshal(data, &code); err != nil {
			return err
		}
		*c = Codes{code}
		return nil
	}
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return err
	}
	*c = codes
	return nil
}

// entity is the entry or asset the event points at.
func (o Object) entity() EntityRef {
	if o.Entry != nil {
		return *o.Entry
	}
	if o.Asset != nil {
		return *o.Asset
	}
	return EntityRef{}
}

// EntityUID prefers entry_uid over uid.
func (o Object) EntityUID() string {
	ref := o.entity()
	if uid := strings.TrimSpace(ref.EntryUID); uid != "" {
		return uid
	}
	return strings.TrimSpace(ref.UID)
}

// ContentTypeUID prefers form.form_uid over content_type.uid.
func (o Object) ContentTypeUID() string {
	if o.Form != nil && strings.TrimSpace(o.Form.FormUID) != "" {
		return strings.TrimSpace(o.Form.FormUID)
	}
	if o.ContentType != nil {
		return strings.TrimSpace(o.ContentType.UID)
	}
	return ""
}

func (b Body) isItem() bool {
	return b.Item != nil
}

// reportID is the publish queue id status reports are sent to.
func (b Body) reportID() string {
	if id := strings.TrimSpace(b.ID); id != "" {
		return id
	}
	return strings.TrimSpace(b.Object.ID)
}

const envelopeSchemaURL = "envelope.json"

const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message", "lang"],
  "properties": {
    "lang": {
      "type": "object",
      "required": ["code"],
      "properties": {
        "code": {"type": "string", "minLength": 1},
        "relative_url_prefix": {"type": "string"}
      }
    },
    "message": {
      "type": "object",
      "required": ["body"],
      "properties": {
        "body": {
          "type": "object",
          "required": ["object"],
          "properties": {
            "_id": {"type": "string"},
            "item": {"type": "object"},
            "object": {
              "type": "object",
              "required": ["type", "action"],
              "properties": {
                "type": {"type": "string", "minLength": 1},
                "action": {"enum": ["publish", "unpublish", "delete"]},
                "locale": {
                  "anyOf": [
                    {"type": "string"},
                    {"type": "array", "items": {"type": "string"}}
                  ]
                },
                "entry": {"$ref": "#/$defs/entity"},
                "asset": {"$ref": "#/$defs/entity"},
                "form": {
                  "type": "object",
                  "required": ["form_uid"],
                  "properties": {"form_uid": {"type": "string"}}
                },
                "content_type": {
                  "type": "object",
                  "required": ["uid"],
                  "properties": {"uid": {"type": "string"}}
                }
              }
            }
          }
        }
      }
    }
  },
  "$defs": {
    "entity": {
      "type": "object",
      "properties": {
        "uid": {"type": "string"},
        "entry_uid": {"type": "string"},
        "locale": {"type": "string"},
        "is_dir": {"type": "boolean"}
      }
    }
  }
}`

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseEnvelope validates raw against the envelope schema and decodes it. Any failure is
// a Validation error.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return env, content.Wrap(content.KindValidation, "parse envelope", err)
	}
	if err := envelopeSchema.Validate(instance); err != nil {
		return env, content.Wrap(content.KindValidation, "validate envelope", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, content.Wrap(content.KindValidation, "decode envelope", err)
	}
	if env.Lang.RelativeURLPrefix == "" {
		env.Lang.RelativeURLPrefix = "/"
	}
	return env, nil
}

// validateIdentifiers checks the ids a flow cannot run without.
func validateIdentifiers(obj Object) error {
	switch obj.Type {
	case TypeEntry:
		if obj.ContentTypeUID() == "" {
			return content.E(content.KindValidation, "validate envelope", "entry event is missing its content type uid")
		}
		if obj.EntityUID() == "" {
			return content.E(content.KindValidation, "validate envelope", "entry event is missing its entry uid")
		}
	case TypeAsset, TypeRelease:
		if obj.EntityUID() == "" {
			return content.E(content.KindValidation, "validate envelope", obj.Type+" event is missing its uid")
		}
	case TypeForm, TypeContentType:
		if obj.ContentTypeUID() == "" {
			return content.E(content.KindValidation, "validate envelope", "content type event is missing its uid")
		}
	}
	return nil
}
