// Package mapping maintains the per-module field-mapping registry: the
// translation table between the CRM field namespace and the datastore field
// namespace. Readers get immutable snapshots and never block on refresh.
package mapping

import (
	"sort"
	"strings"
	"time"
)

// Reserved canonical keys. SOURCE_ID names the datastore column holding the
// CRM record identifier; DATASTORE_ID optionally names the CRM field holding
// the datastore row identifier when round-trip linkage is enabled.
const (
	KeySourceID    = "SOURCE_ID"
	KeyDatastoreID = "DATASTORE_ID"
)

// Entry maps one canonical field key to its two remote names.
type Entry struct {
	Key string `json:"key"`

	// SourceName is the CRM API field name.
	SourceName string `json:"source_name"`

	// DatastoreField is either a human-readable column name or an opaque
	// field ID (fldXXXX); ResolveDatastoreField normalizes to a name.
	DatastoreField string `json:"datastore_field"`

	UIName    string `json:"ui_name,omitempty"`
	FieldType string `json:"field_type,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// Snapshot is an immutable view of one module's mapping. A published
// snapshot is never mutated; refresh swaps in a whole new value.
type Snapshot struct {
	Module string           `json:"module"`
	Fields map[string]Entry `json:"fields"`

	// SourceIDField is the datastore column carrying the CRM record ID.
	SourceIDField string `json:"source_id_field"`

	// DatastoreIDField is the CRM field carrying the datastore row ID,
	// empty when round-trip linkage is disabled.
	DatastoreIDField string `json:"datastore_id_field,omitempty"`

	// FieldIDToName resolves opaque datastore field IDs to column names.
	FieldIDToName map[string]string `json:"field_id_to_name,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// MappableKeys returns the canonical keys with both sides present, in
// deterministic order. Reserved ID entries are excluded.
func (s *Snapshot) MappableKeys() []string {
	keys := make([]string, 0, len(s.Fields))
	for key, entry := range s.Fields {
		if key == KeySourceID || key == KeyDatastoreID {
			continue
		}
		if entry.SourceName == "" || entry.DatastoreField == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ResolveDatastoreField returns the datastore column name for an entry,
// translating opaque field IDs through the cached metadata.
func (s *Snapshot) ResolveDatastoreField(entry Entry) string {
	if strings.HasPrefix(entry.DatastoreField, "fld") {
		if name, ok := s.FieldIDToName[entry.DatastoreField]; ok {
			return name
		}
	}
	return entry.DatastoreField
}

// Empty reports whether the snapshot carries no usable mapping.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.MappableKeys()) == 0 || s.SourceIDField == ""
}
