// Package remote defines the record model and client contract shared by the
// CRM-side and datastore-side clients. Records are typed values with an
// opaque field bag; the mapping registry is the only place where field
// strings acquire domain meaning.
package remote

import (
	"context"
	"time"
)

// System names one of the two remotes.
type System string

const (
	SystemSource    System = "source"
	SystemDatastore System = "datastore"
)

// Record is one row from either remote.
type Record struct {
	ID         string
	ModifiedAt time.Time
	CreatedAt  time.Time
	Fields     map[string]any
}

// Page is one page of a record listing with an opaque continuation cursor.
type Page struct {
	Records []Record
	Cursor  string
	HasMore bool
}

// FieldMeta describes one field from the remote's metadata catalog.
type FieldMeta struct {
	ID   string
	Name string
	Type string
}

// Metadata is the schema description for one module's table.
type Metadata struct {
	TableID   string
	TableName string
	Fields    []FieldMeta
}

// UpsertResult reports the outcome of one record within a batch upsert.
type UpsertResult struct {
	ID      string
	Created bool
	Err     error
}

// Client is the typed contract both remotes satisfy. Every call carries the
// module it operates on; pagination uses opaque cursors.
type Client interface {
	ListAll(ctx context.Context, module, cursor string) (Page, error)
	ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (Page, error)
	Get(ctx context.Context, module, id string) (Record, error)
	GetMany(ctx context.Context, module string, ids []string) ([]Record, error)
	Upsert(ctx context.Context, module string, records []Record, mergeOn string) ([]UpsertResult, error)
	Update(ctx context.Context, module, id string, fields map[string]any) (Record, error)
	Delete(ctx context.Context, module, id string) error
	ListMetadata(ctx context.Context, module string) (Metadata, error)
}

// modifiedTimeFields are probed in order when deriving a record's
// modification instant from its field bag.
var modifiedTimeFields = []string{"Modified_Time", "Last_Activity_Time", "Created_Time"}

// ModifiedAtOf derives a record's modification instant: the first defined of
// the well-known timestamp fields, falling back to now.
func ModifiedAtOf(fields map[string]any, now time.Time) time.Time {
	for _, key := range modifiedTimeFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		if ts, err := ParseTime(s); err == nil {
			return ts
		}
	}
	return now
}

// ParseTime parses the RFC 3339 timestamp variants the remotes emit.
func ParseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02T15:04:05.000Z0700", s)
}

// ListEverything drains the paginated listing into one inventory snapshot.
func ListEverything(ctx context.Context, c Client, module string) ([]Record, error) {
	var out []Record
	cursor := ""
	for {
		page, err := c.ListAll(ctx, module, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if !page.HasMore || page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// ListChanges drains the modified-since listing into one slice.
func ListChanges(ctx context.Context, c Client, module string, since time.Time) ([]Record, error) {
	var out []Record
	cursor := ""
	for {
		page, err := c.ListModifiedSince(ctx, module, since, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if !page.HasMore || page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}
