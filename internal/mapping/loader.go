package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
)

// Loader produces a fresh mapping snapshot for a module.
type Loader interface {
	Load(ctx context.Context, module string) (*Snapshot, error)
}

// TableLister reads rows from a named datastore table. Satisfied by the
// airtable client.
type TableLister interface {
	ListTable(ctx context.Context, tableName, formula string) ([]remote.Record, error)
	ListMetadata(ctx context.Context, module string) (remote.Metadata, error)
}

// DatastoreLoader reads the mapping from the base's own "Fields" metadata
// table: one row per mapped field with the CRM name, the datastore column
// (name or field ID), and display metadata.
type DatastoreLoader struct {
	Lister      TableLister
	FieldsTable string

	now func() time.Time
}

// NewDatastoreLoader builds the standard loader.
func NewDatastoreLoader(lister TableLister, fieldsTable string) *DatastoreLoader {
	return &DatastoreLoader{Lister: lister, FieldsTable: fieldsTable, now: time.Now}
}

// Column names in the fields metadata table.
const (
	colModule         = "Module"
	colKey            = "Key"
	colSourceName     = "Zoho Field"
	colDatastoreField = "Airtable Field"
	colUIName         = "UI Name"
	colFieldType      = "Field Type"
	colRequired       = "Required"
)

// Load queries the fields table for the module and publishes a fresh
// snapshot, including the field-ID-to-name map from table metadata.
func (l *DatastoreLoader) Load(ctx context.Context, module string) (*Snapshot, error) {
	formula := fmt.Sprintf("{%s} = '%s'", colModule, strings.ReplaceAll(module, "'", "\\'"))
	rows, err := l.Lister.ListTable(ctx, l.FieldsTable, formula)
	if err != nil {
		return nil, syncerr.WithModule(err, module)
	}

	snap := &Snapshot{
		Module:   module,
		Fields:   make(map[string]Entry, len(rows)),
		LoadedAt: l.now(),
	}

	for _, row := range rows {
		entry := Entry{
			Key:            str(row.Fields, colKey),
			SourceName:     str(row.Fields, colSourceName),
			DatastoreField: str(row.Fields, colDatastoreField),
			UIName:         str(row.Fields, colUIName),
			FieldType:      str(row.Fields, colFieldType),
			Required:       boolish(row.Fields[colRequired]),
		}
		if entry.Key == "" {
			entry.Key = entry.SourceName
		}
		if entry.Key == "" {
			continue
		}

		switch entry.Key {
		case KeySourceID:
			snap.SourceIDField = entry.DatastoreField
		case KeyDatastoreID:
			snap.DatastoreIDField = entry.SourceName
		}
		snap.Fields[entry.Key] = entry
	}

	if len(snap.Fields) == 0 {
		return nil, syncerr.New(syncerr.KindRegistryEmpty, "mapping.Load",
			"no field mappings for module %q in table %q", module, l.FieldsTable)
	}
	if snap.SourceIDField == "" {
		return nil, syncerr.New(syncerr.KindRegistryEmpty, "mapping.Load",
			"module %q mapping lacks the %s entry", module, KeySourceID)
	}

	// Field IDs resolve through the module table's schema; a metadata
	// failure here degrades to name-only resolution rather than failing
	// the load.
	if meta, err := l.Lister.ListMetadata(ctx, module); err == nil {
		snap.FieldIDToName = make(map[string]string, len(meta.Fields))
		for _, f := range meta.Fields {
			snap.FieldIDToName[f.ID] = f.Name
		}
	}

	// SOURCE_ID may itself be recorded as a field ID.
	if resolved := snap.ResolveDatastoreField(Entry{DatastoreField: snap.SourceIDField}); resolved != "" {
		snap.SourceIDField = resolved
	}

	return snap, nil
}

func str(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return strings.TrimSpace(s)
}

func boolish(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1" || strings.EqualFold(t, "yes")
	}
	return false
}
