// Package airtable implements the datastore-side remote client.
package airtable

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"syncbridge/internal/auth"
	"syncbridge/internal/ratelimit"
	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
)

const (
	pageSize   = 100
	batchLimit = 10
	// Published limit is 5 rps per base; 200 ms spacing keeps us under it.
	gateInterval = 200 * time.Millisecond
	callTimeout  = 60 * time.Second

	lastModifiedField = "Last Modified Time"
)

// TableRef identifies a datastore table by both its opaque ID and its name.
type TableRef struct {
	ID   string
	Name string
}

// Client talks to the datastore API. Module names resolve to tables through
// the base's own "Modules" metadata table; the binding is cached.
type Client struct {
	baseURL      string
	baseID       string
	modulesTable string
	transport    *remote.Transport
	batcher      *formulaBatcher
	log          *zap.Logger

	mu     sync.Mutex
	tables map[string]TableRef
}

// New builds the datastore client.
func New(baseURL, baseID, apiToken, modulesTable string, log *zap.Logger) *Client {
	gate := ratelimit.NewGate(gateInterval)
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		baseID:       baseID,
		modulesTable: modulesTable,
		transport:    remote.NewTransport("airtable", callTimeout, gate, auth.StaticToken{Token: apiToken}),
		batcher:      newFormulaBatcher(),
		log:          log,
		tables:       make(map[string]TableRef),
	}
}

var _ remote.Client = (*Client)(nil)

type listEnvelope struct {
	Records []rawRecord `json:"records"`
	Offset  string      `json:"offset"`
}

type rawRecord struct {
	ID          string         `json:"id"`
	CreatedTime string         `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

// ListAll pages through every row of the module's table, newest first.
func (c *Client) ListAll(ctx context.Context, module, cursor string) (remote.Page, error) {
	q := url.Values{"pageSize": {fmt.Sprint(pageSize)}}
	q.Set("sort[0][field]", lastModifiedField)
	q.Set("sort[0][direction]", "desc")
	if cursor != "" {
		q.Set("offset", cursor)
	}
	return c.list(ctx, "airtable.ListAll", module, q)
}

// ListModifiedSince lists rows whose last modification is at or after since.
func (c *Client) ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (remote.Page, error) {
	q := url.Values{"pageSize": {fmt.Sprint(pageSize)}}
	q.Set("filterByFormula",
		fmt.Sprintf("IS_AFTER(LAST_MODIFIED_TIME(), '%s')", since.UTC().Format(time.RFC3339)))
	if cursor != "" {
		q.Set("offset", cursor)
	}
	return c.list(ctx, "airtable.ListModifiedSince", module, q)
}

func (c *Client) list(ctx context.Context, op, module string, q url.Values) (remote.Page, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return remote.Page{}, err
	}
	resp, err := c.transport.Do(ctx, op, remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, c.baseID, url.PathEscape(table.Name), q.Encode()),
	})
	if err != nil {
		return remote.Page{}, syncerr.WithModule(err, module)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return remote.Page{}, syncerr.Wrap(syncerr.KindInternal, op, err)
	}

	out := remote.Page{Cursor: envelope.Offset, HasMore: envelope.Offset != ""}
	for _, raw := range envelope.Records {
		out.Records = append(out.Records, toRecord(raw))
	}
	return out, nil
}

// Get fetches one row by record ID.
func (c *Client) Get(ctx context.Context, module, id string) (remote.Record, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return remote.Record{}, err
	}
	resp, err := c.transport.Do(ctx, "airtable.Get", remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/v0/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table.Name), url.PathEscape(id)),
	})
	if err != nil {
		return remote.Record{}, syncerr.WithModule(err, module)
	}

	var raw rawRecord
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return remote.Record{}, syncerr.Wrap(syncerr.KindInternal, "airtable.Get", err)
	}
	return toRecord(raw), nil
}

// Upsert writes rows in batches of at most ten, merging on the given field.
// A 100 ms pause separates batches. Partial failures are reported per
// record; the failed subset is retried once at batch size 1.
func (c *Client) Upsert(ctx context.Context, module string, records []remote.Record, mergeOn string) ([]remote.UpsertResult, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return nil, err
	}

	results := make([]remote.UpsertResult, 0, len(records))
	for start := 0; start < len(records); start += batchLimit {
		if start > 0 {
			if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
				return results, err
			}
		}
		end := start + batchLimit
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		batchResults, err := c.upsertBatch(ctx, table, batch, mergeOn)
		if err == nil {
			results = append(results, batchResults...)
			continue
		}
		if !syncerr.IsKind(err, syncerr.KindValidation) && !syncerr.IsKind(err, syncerr.KindPartialBatch) {
			return results, syncerr.WithModule(err, module)
		}

		// Partial or whole-batch rejection: retry each record alone so one
		// bad row cannot sink its nine neighbours.
		for _, rec := range batch {
			single, singleErr := c.upsertBatch(ctx, table, []remote.Record{rec}, mergeOn)
			if singleErr != nil {
				results = append(results, remote.UpsertResult{Err: syncerr.WithModule(singleErr, module)})
				continue
			}
			results = append(results, single...)
		}
	}
	return results, nil
}

func (c *Client) upsertBatch(ctx context.Context, table TableRef, batch []remote.Record, mergeOn string) ([]remote.UpsertResult, error) {
	payload := map[string]any{
		"performUpsert": map[string]any{"fieldsToMergeOn": []string{mergeOn}},
		"records":       encodeRecords(batch),
	}
	resp, err := c.transport.Do(ctx, "airtable.Upsert", remote.Request{
		Method: http.MethodPatch,
		URL:    fmt.Sprintf("%s/v0/%s/%s", c.baseURL, c.baseID, url.PathEscape(table.Name)),
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Records        []rawRecord `json:"records"`
		CreatedRecords []string    `json:"createdRecords"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "airtable.Upsert", err)
	}

	created := make(map[string]bool, len(envelope.CreatedRecords))
	for _, id := range envelope.CreatedRecords {
		created[id] = true
	}
	results := make([]remote.UpsertResult, 0, len(envelope.Records))
	for _, rec := range envelope.Records {
		results = append(results, remote.UpsertResult{ID: rec.ID, Created: created[rec.ID]})
	}
	return results, nil
}

// Update writes the given fields to one row.
func (c *Client) Update(ctx context.Context, module, id string, fields map[string]any) (remote.Record, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return remote.Record{}, err
	}
	resp, err := c.transport.Do(ctx, "airtable.Update", remote.Request{
		Method: http.MethodPatch,
		URL:    fmt.Sprintf("%s/v0/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table.Name), url.PathEscape(id)),
		Body:   map[string]any{"fields": fields},
	})
	if err != nil {
		return remote.Record{}, syncerr.WithModule(err, module)
	}

	var raw rawRecord
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return remote.Record{}, syncerr.Wrap(syncerr.KindInternal, "airtable.Update", err)
	}
	return toRecord(raw), nil
}

// Delete removes one row. The reconciliation core never calls this (deleted
// counterparts get a status marker instead); it exists for tooling.
func (c *Client) Delete(ctx context.Context, module, id string) error {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return err
	}
	_, err = c.transport.Do(ctx, "airtable.Delete", remote.Request{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("%s/v0/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table.Name), url.PathEscape(id)),
	})
	return syncerr.WithModule(err, module)
}

// ListMetadata returns the module table's schema from the Meta API.
func (c *Client) ListMetadata(ctx context.Context, module string) (remote.Metadata, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return remote.Metadata{}, err
	}
	tables, err := c.listBaseSchema(ctx)
	if err != nil {
		return remote.Metadata{}, syncerr.WithModule(err, module)
	}
	for _, t := range tables {
		if t.TableID == table.ID || strings.EqualFold(t.TableName, table.Name) {
			return t, nil
		}
	}
	return remote.Metadata{}, syncerr.New(syncerr.KindNotFound, "airtable.ListMetadata",
		"table %q not in base schema", table.Name)
}

func (c *Client) listBaseSchema(ctx context.Context) ([]remote.Metadata, error) {
	resp, err := c.transport.Do(ctx, "airtable.Schema", remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/v0/meta/bases/%s/tables", c.baseURL, c.baseID),
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Tables []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Fields []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"fields"`
		} `json:"tables"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInternal, "airtable.Schema", err)
	}

	out := make([]remote.Metadata, 0, len(envelope.Tables))
	for _, t := range envelope.Tables {
		meta := remote.Metadata{TableID: t.ID, TableName: t.Name}
		for _, f := range t.Fields {
			meta.Fields = append(meta.Fields, remote.FieldMeta{ID: f.ID, Name: f.Name, Type: f.Type})
		}
		out = append(out, meta)
	}
	return out, nil
}

// ResolveTable maps a module name to its bound table via the Modules
// metadata table. The binding is cached until InvalidateTables.
func (c *Client) ResolveTable(ctx context.Context, module string) (TableRef, error) {
	c.mu.Lock()
	if ref, ok := c.tables[module]; ok {
		c.mu.Unlock()
		return ref, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("filterByFormula", fmt.Sprintf("{Name} = '%s'", escapeFormulaString(module)))
	resp, err := c.transport.Do(ctx, "airtable.ResolveTable", remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, c.baseID, url.PathEscape(c.modulesTable), q.Encode()),
	})
	if err != nil {
		return TableRef{}, syncerr.WithModule(err, module)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return TableRef{}, syncerr.Wrap(syncerr.KindInternal, "airtable.ResolveTable", err)
	}
	if len(envelope.Records) == 0 {
		return TableRef{}, syncerr.New(syncerr.KindNotFound, "airtable.ResolveTable",
			"module %q has no row in %q", module, c.modulesTable)
	}

	fields := envelope.Records[0].Fields
	ref := TableRef{
		Name: stringField(fields, "Table"),
		ID:   stringField(fields, "Table ID"),
	}
	if ref.Name == "" {
		ref.Name = module
	}

	c.mu.Lock()
	c.tables[module] = ref
	c.mu.Unlock()
	return ref, nil
}

// InvalidateTables drops the module-to-table binding cache.
func (c *Client) InvalidateTables() {
	c.mu.Lock()
	c.tables = make(map[string]TableRef)
	c.mu.Unlock()
}

func toRecord(raw rawRecord) remote.Record {
	rec := remote.Record{ID: raw.ID, Fields: raw.Fields}
	if raw.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if ts, err := remote.ParseTime(raw.CreatedTime); err == nil {
		rec.CreatedAt = ts
		rec.ModifiedAt = ts
	}
	if s, ok := rec.Fields[lastModifiedField].(string); ok {
		if ts, err := remote.ParseTime(s); err == nil {
			rec.ModifiedAt = ts
		}
	}
	return rec
}

func encodeRecords(records []remote.Record) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{"fields": rec.Fields}
		if rec.ID != "" {
			entry["id"] = rec.ID
		}
		out = append(out, entry)
	}
	return out
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "airtable.decode", err)
	}
	return nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func escapeFormulaString(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
