package document

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Reserved JSON keys. They never appear in Document.Fields.
const (
	KeyID         = "_id"
	KeyRevision   = "_rev"
	KeyConflicts  = "_conflicts"
	KeyDeleted    = "_deleted"
	KeyType       = "type"
	KeyModifiedAt = "modifiedAt"
)

// FieldFinalized is the optional boolean domain field marking a record immutable.
const FieldFinalized = "finalized"

var reserved = map[string]struct{}{
	KeyID:         {},
	KeyRevision:   {},
	KeyConflicts:  {},
	KeyDeleted:    {},
	KeyType:       {},
	KeyModifiedAt: {},
}

// IsMetadataKey reports whether key is store metadata rather than a domain field.
func IsMetadataKey(key string) bool {
	_, ok := reserved[key]
	return ok
}

// Document is one revision of a replicated document.
type Document struct {
	ID         string
	Revision   string
	Type       string
	Conflicts  []string
	ModifiedAt time.Time
	Fields     map[string]any
}

// New returns a document with an initialized field map.
func New(id, docType string, fields map[string]any) *Document {
	d := &Document{ID: id, Type: docType, Fields: make(map[string]any, len(fields))}
	maps.Copy(d.Fields, fields)
	return d
}

// HasConflicts reports whether the store returned conflicting revisions.
func (d *Document) HasConflicts() bool {
	return len(d.Conflicts) > 0
}

// Finalized reports whether the finalized flag is set to true.
func (d *Document) Finalized() bool {
	return d.Flag(FieldFinalized)
}

// Flag reads a boolean domain field; anything but a true boolean is false.
func (d *Document) Flag(field string) bool {
	if d == nil || d.Fields == nil {
		return false
	}
	v, ok := d.Fields[field].(bool)
	return ok && v
}

// Get returns a domain field.
func (d *Document) Get(field string) (any, bool) {
	if d.Fields == nil {
		return nil, false
	}
	v, ok := d.Fields[field]
	return v, ok
}

// Set assigns a domain field. Metadata keys are rejected.
func (d *Document) Set(field string, value any) error {
	if IsMetadataKey(field) {
		return fmt.Errorf("document: %q is a reserved metadata key", field)
	}
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	d.Fields[field] = value
	return nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Conflicts != nil {
		c.Conflicts = append([]string(nil), d.Conflicts...)
	}
	c.Fields = cloneMap(d.Fields)
	return &c
}

// StripConflicts clears conflict metadata before a document is written back.
func (d *Document) StripConflicts() *Document {
	d.Conflicts = nil
	return d
}

// Body returns the domain fields plus the type discriminator, the content a
// revision digest is computed over.
func (d *Document) Body() map[string]any {
	body := cloneMap(d.Fields)
	if body == nil {
		body = make(map[string]any, 1)
	}
	if d.Type != "" {
		body[KeyType] = d.Type
	}
	return body
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// MarshalJSON renders the flat CouchDB-like representation.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+5)
	for k, v := range d.Fields {
		out[k] = v
	}
	if d.ID != "" {
		out[KeyID] = d.ID
	}
	if d.Revision != "" {
		out[KeyRevision] = d.Revision
	}
	if len(d.Conflicts) > 0 {
		out[KeyConflicts] = d.Conflicts
	}
	if d.Type != "" {
		out[KeyType] = d.Type
	}
	if !d.ModifiedAt.IsZero() {
		out[KeyModifiedAt] = d.ModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits reserved keys into metadata and keeps the rest as fields.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case KeyID:
			d.ID, _ = v.(string)
		case KeyRevision:
			d.Revision, _ = v.(string)
		case KeyType:
			d.Type, _ = v.(string)
		case KeyConflicts:
			list, ok := v.([]any)
			if !ok {
				return fmt.Errorf("document: %s must be a list of revisions", KeyConflicts)
			}
			for _, r := range list {
				if s, ok := r.(string); ok {
					d.Conflicts = append(d.Conflicts, s)
				}
			}
		case KeyModifiedAt:
			s, _ := v.(string)
			if s == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("document: invalid %s: %w", KeyModifiedAt, err)
			}
			d.ModifiedAt = ts
		case KeyDeleted:
		default:
			d.Fields[k] = v
		}
	}
	return nil
}
