package airtable

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
)

// Formula chunk sizing. Filter-by-OR queries ride in the URL, so the chunk
// size adapts: halve on URL-too-long, grow by one after a streak of clean
// batches. The adaptation persists across calls as observable client state.
const (
	formulaStartSize = 5
	formulaMinSize   = 1
	formulaMaxSize   = 10
	growthStreak     = 3
)

type formulaBatcher struct {
	mu     sync.Mutex
	size   int
	streak int
}

func newFormulaBatcher() *formulaBatcher {
	return &formulaBatcher{size: formulaStartSize}
}

func (b *formulaBatcher) current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *formulaBatcher) shrink() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size /= 2
	if b.size < formulaMinSize {
		b.size = formulaMinSize
	}
	b.streak = 0
	return b.size
}

func (b *formulaBatcher) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak++
	if b.streak >= growthStreak && b.size < formulaMaxSize {
		b.size++
		b.streak = 0
	}
}

// GetMany fetches rows by record ID using OR-of-RECORD_ID formulas in
// adaptively sized chunks.
func (c *Client) GetMany(ctx context.Context, module string, ids []string) ([]remote.Record, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return nil, err
	}

	var out []remote.Record
	start := 0
	for start < len(ids) {
		size := c.batcher.current()
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}

		records, err := c.fetchByFormula(ctx, table, recordIDFormula(ids[start:end]))
		if syncerr.IsKind(err, syncerr.KindURLTooLong) {
			// Same range, smaller chunk.
			c.batcher.shrink()
			continue
		}
		if err != nil {
			return nil, syncerr.WithModule(err, module)
		}
		c.batcher.success()
		out = append(out, records...)
		start = end
	}
	return out, nil
}

// FindBySourceID locates the row whose source-ID column holds id.
func (c *Client) FindBySourceID(ctx context.Context, module, sourceIDField, id string) (remote.Record, error) {
	table, err := c.ResolveTable(ctx, module)
	if err != nil {
		return remote.Record{}, err
	}
	formula := fmt.Sprintf("{%s} = '%s'", sourceIDField, escapeFormulaString(id))
	records, err := c.fetchByFormula(ctx, table, formula)
	if err != nil {
		return remote.Record{}, syncerr.WithModule(err, module)
	}
	if len(records) == 0 {
		return remote.Record{}, syncerr.New(syncerr.KindNotFound, "airtable.FindBySourceID",
			"no row with %s=%s", sourceIDField, id)
	}
	return records[0], nil
}

// ListTable lists rows of an arbitrary table by name, optionally filtered.
// Metadata tables (Modules, Fields) are read through here since they are not
// modules themselves.
func (c *Client) ListTable(ctx context.Context, tableName, formula string) ([]remote.Record, error) {
	return c.fetchByFormula(ctx, TableRef{Name: tableName}, formula)
}

func (c *Client) fetchByFormula(ctx context.Context, table TableRef, formula string) ([]remote.Record, error) {
	var out []remote.Record
	offset := ""
	for {
		q := url.Values{}
		if formula != "" {
			q.Set("filterByFormula", formula)
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		resp, err := c.transport.Do(ctx, "airtable.Filter", remote.Request{
			Method: http.MethodGet,
			URL:    fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, c.baseID, url.PathEscape(table.Name), q.Encode()),
		})
		if err != nil {
			return nil, err
		}

		var envelope listEnvelope
		if err := decodeJSON(resp.Body, &envelope); err != nil {
			return nil, err
		}
		for _, raw := range envelope.Records {
			out = append(out, toRecord(raw))
		}
		if envelope.Offset == "" {
			return out, nil
		}
		offset = envelope.Offset
	}
}

func recordIDFormula(ids []string) string {
	if len(ids) == 1 {
		return fmt.Sprintf("RECORD_ID() = '%s'", escapeFormulaString(ids[0]))
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("RECORD_ID() = '%s'", escapeFormulaString(id)))
	}
	return "OR(" + strings.Join(parts, ", ") + ")"
}
