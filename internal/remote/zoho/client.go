// Package zoho implements the CRM-side remote client.
package zoho

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"syncbridge/internal/auth"
	"syncbridge/internal/ratelimit"
	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
)

const (
	pageSize     = 200
	getManyLimit = 100
	// Source-side paging is spaced slightly tighter than datastore writes.
	gateInterval = 75 * time.Millisecond
	callTimeout  = 30 * time.Second
)

// Client talks to the CRM API. All calls traverse the shared transport
// (rate-limit gate, circuit breaker, retry); a 401 triggers exactly one
// forced token refresh and one retry.
type Client struct {
	baseURL   string
	transport *remote.Transport
	tokens    *auth.Manager
	log       *zap.Logger
}

// New builds the CRM client.
func New(baseURL string, tokens *auth.Manager, log *zap.Logger) *Client {
	gate := ratelimit.NewGate(gateInterval)
	var authz auth.Authorizer
	if tokens != nil {
		authz = tokens
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: remote.NewTransport("zoho", callTimeout, gate, authz),
		tokens:    tokens,
		log:       log,
	}
}

var _ remote.Client = (*Client)(nil)

// recordEnvelope is the common {data: [...], info: {...}} response shape.
type recordEnvelope struct {
	Data []map[string]any `json:"data"`
	Info struct {
		MoreRecords bool `json:"more_records"`
		Page        int  `json:"page"`
	} `json:"info"`
}

// ListAll pages through every record in the module, newest first.
func (c *Client) ListAll(ctx context.Context, module, cursor string) (remote.Page, error) {
	return c.list(ctx, "zoho.ListAll", module, cursor, nil)
}

// ListModifiedSince pages through records modified at or after since.
func (c *Client) ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (remote.Page, error) {
	header := http.Header{}
	header.Set("If-Modified-Since", since.UTC().Format(time.RFC3339))
	return c.list(ctx, "zoho.ListModifiedSince", module, cursor, header)
}

func (c *Client) list(ctx context.Context, op, module, cursor string, header http.Header) (remote.Page, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return remote.Page{}, syncerr.New(syncerr.KindInternal, op, "bad cursor %q", cursor)
		}
		page = n
	}

	q := url.Values{
		"page":       {strconv.Itoa(page)},
		"per_page":   {strconv.Itoa(pageSize)},
		"sort_by":    {"Modified_Time"},
		"sort_order": {"desc"},
	}
	resp, err := c.do(ctx, op, remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/crm/v2/%s?%s", c.baseURL, url.PathEscape(module), q.Encode()),
		Header: header,
	})
	if err != nil {
		return remote.Page{}, syncerr.WithModule(err, module)
	}
	// 304 and 204 both mean no records for the window.
	if resp.Status == http.StatusNotModified || resp.Status == http.StatusNoContent {
		return remote.Page{}, nil
	}

	var envelope recordEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return remote.Page{}, syncerr.Wrap(syncerr.KindInternal, op, err)
	}

	out := remote.Page{HasMore: envelope.Info.MoreRecords}
	if out.HasMore {
		out.Cursor = strconv.Itoa(page + 1)
	}
	for _, raw := range envelope.Data {
		out.Records = append(out.Records, c.toRecord(raw))
	}
	return out, nil
}

// Get fetches a single record.
func (c *Client) Get(ctx context.Context, module, id string) (remote.Record, error) {
	resp, err := c.do(ctx, "zoho.Get", remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/crm/v2/%s/%s", c.baseURL, url.PathEscape(module), url.PathEscape(id)),
	})
	if err != nil {
		return remote.Record{}, syncerr.WithModule(err, module)
	}
	if resp.Status == http.StatusNoContent {
		return remote.Record{}, syncerr.New(syncerr.KindNotFound, "zoho.Get", "record %s", id)
	}

	var envelope recordEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return remote.Record{}, syncerr.Wrap(syncerr.KindInternal, "zoho.Get", err)
	}
	if len(envelope.Data) == 0 {
		return remote.Record{}, syncerr.New(syncerr.KindNotFound, "zoho.Get", "record %s", id)
	}
	return c.toRecord(envelope.Data[0]), nil
}

// GetMany fetches records by ID in batches of up to 100.
func (c *Client) GetMany(ctx context.Context, module string, ids []string) ([]remote.Record, error) {
	var out []remote.Record
	for start := 0; start < len(ids); start += getManyLimit {
		end := start + getManyLimit
		if end > len(ids) {
			end = len(ids)
		}
		q := url.Values{"ids": {strings.Join(ids[start:end], ",")}}
		resp, err := c.do(ctx, "zoho.GetMany", remote.Request{
			Method: http.MethodGet,
			URL:    fmt.Sprintf("%s/crm/v2/%s?%s", c.baseURL, url.PathEscape(module), q.Encode()),
		})
		if err != nil {
			return nil, syncerr.WithModule(err, module)
		}
		if resp.Status == http.StatusNoContent {
			continue
		}
		var envelope recordEnvelope
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return nil, syncerr.Wrap(syncerr.KindInternal, "zoho.GetMany", err)
		}
		for _, raw := range envelope.Data {
			out = append(out, c.toRecord(raw))
		}
	}
	return out, nil
}

// Upsert writes records one at a time; the CRM side deduplicates on the
// given merge field.
func (c *Client) Upsert(ctx context.Context, module string, records []remote.Record, mergeOn string) ([]remote.UpsertResult, error) {
	results := make([]remote.UpsertResult, 0, len(records))
	for _, rec := range records {
		body := map[string]any{
			"data":                   []map[string]any{rec.Fields},
			"duplicate_check_fields": []string{mergeOn},
		}
		resp, err := c.do(ctx, "zoho.Upsert", remote.Request{
			Method: http.MethodPost,
			URL:    fmt.Sprintf("%s/crm/v2/%s/upsert", c.baseURL, url.PathEscape(module)),
			Body:   body,
		})
		if err != nil {
			results = append(results, remote.UpsertResult{Err: syncerr.WithModule(err, module)})
			continue
		}
		results = append(results, parseWriteResult(resp.Body))
	}
	return results, nil
}

// Update writes the given fields to one record.
func (c *Client) Update(ctx context.Context, module, id string, fields map[string]any) (remote.Record, error) {
	payload := map[string]any{"id": id}
	for k, v := range fields {
		payload[k] = v
	}
	resp, err := c.do(ctx, "zoho.Update", remote.Request{
		Method: http.MethodPut,
		URL:    fmt.Sprintf("%s/crm/v2/%s", c.baseURL, url.PathEscape(module)),
		Body:   map[string]any{"data": []map[string]any{payload}},
	})
	if err != nil {
		return remote.Record{}, syncerr.WithModule(err, module)
	}
	if res := parseWriteResult(resp.Body); res.Err != nil {
		return remote.Record{}, syncerr.WithModule(res.Err, module)
	}
	updated := remote.Record{ID: id, Fields: fields, ModifiedAt: time.Now()}
	return updated, nil
}

// Delete destructively removes a record from the CRM.
func (c *Client) Delete(ctx context.Context, module, id string) error {
	q := url.Values{"ids": {id}, "wf_trigger": {"false"}}
	_, err := c.do(ctx, "zoho.Delete", remote.Request{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("%s/crm/v2/%s?%s", c.baseURL, url.PathEscape(module), q.Encode()),
	})
	return syncerr.WithModule(err, module)
}

// ListMetadata returns the module's field catalog.
func (c *Client) ListMetadata(ctx context.Context, module string) (remote.Metadata, error) {
	q := url.Values{"module": {module}}
	resp, err := c.do(ctx, "zoho.ListMetadata", remote.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/crm/v2/settings/fields?%s", c.baseURL, q.Encode()),
	})
	if err != nil {
		return remote.Metadata{}, syncerr.WithModule(err, module)
	}

	var envelope struct {
		Fields []struct {
			ID       string `json:"id"`
			APIName  string `json:"api_name"`
			DataType string `json:"data_type"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return remote.Metadata{}, syncerr.Wrap(syncerr.KindInternal, "zoho.ListMetadata", err)
	}

	meta := remote.Metadata{TableName: module}
	for _, f := range envelope.Fields {
		meta.Fields = append(meta.Fields, remote.FieldMeta{ID: f.ID, Name: f.APIName, Type: f.DataType})
	}
	return meta, nil
}

// do issues the request, retrying exactly once after a forced token refresh
// when the remote rejects the access token. A second 401 is terminal.
func (c *Client) do(ctx context.Context, op string, req remote.Request) (remote.Response, error) {
	resp, err := c.transport.Do(ctx, op, req)
	if err == nil || !syncerr.IsKind(err, syncerr.KindAuthExpired) || c.tokens == nil {
		return resp, err
	}

	c.log.Warn("access token rejected, forcing refresh", zap.String("op", op))
	if refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
		return remote.Response{}, refreshErr
	}
	return c.transport.Once(ctx, op, req)
}

// toRecord converts the raw field map into a typed record.
func (c *Client) toRecord(raw map[string]any) remote.Record {
	rec := remote.Record{Fields: raw}
	if id, ok := raw["id"].(string); ok {
		rec.ID = id
	}
	now := time.Now()
	rec.ModifiedAt = remote.ModifiedAtOf(raw, now)
	if created, ok := raw["Created_Time"].(string); ok {
		if ts, err := remote.ParseTime(created); err == nil {
			rec.CreatedAt = ts
		}
	}
	return rec
}

// parseWriteResult interprets the per-record status entry of a write response.
func parseWriteResult(body []byte) remote.UpsertResult {
	var envelope struct {
		Data []struct {
			Code    string `json:"code"`
			Status  string `json:"status"`
			Message string `json:"message"`
			Action  string `json:"action"`
			Details struct {
				ID string `json:"id"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Data) == 0 {
		return remote.UpsertResult{Err: syncerr.New(syncerr.KindInternal, "zoho.write", "unparseable write response")}
	}
	entry := envelope.Data[0]
	if entry.Status == "error" {
		return remote.UpsertResult{Err: syncerr.New(syncerr.KindValidation, "zoho.write",
			"%s: %s", entry.Code, entry.Message)}
	}
	return remote.UpsertResult{ID: entry.Details.ID, Created: entry.Action == "insert"}
}
