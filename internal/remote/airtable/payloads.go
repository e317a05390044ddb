package airtable

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"syncbridge/internal/remote"
	"syncbridge/internal/syncerr"
)

// WebhookPayload is one entry from the webhook payload-history endpoint.
// The datastore delivers thin webhook pings and parks the actual field-level
// changes here, often a few seconds late.
type WebhookPayload struct {
	Timestamp       time.Time
	BaseTransaction int
	ChangedTables   map[string]ChangedTable
}

// ChangedTable holds the per-row changes for one table.
type ChangedTable struct {
	ChangedRecords map[string]ChangedRecord
	DeletedRecords []string
}

// ChangedRecord carries the current cell values by field ID.
type ChangedRecord struct {
	CellValuesByFieldID map[string]any
}

// ListWebhookPayloads fetches up to limit of the newest payloads for the
// webhook, following the cursor pagination from the given cursor.
func (c *Client) ListWebhookPayloads(ctx context.Context, webhookID string, cursor int, limit int) ([]WebhookPayload, int, bool, error) {
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	resp, err := c.transport.Do(ctx, "airtable.Payloads", remote.Request{
		Method: http.MethodGet,
		URL: fmt.Sprintf("%s/v0/bases/%s/webhooks/%s/payloads?%s",
			c.baseURL, c.baseID, url.PathEscape(webhookID), q.Encode()),
	})
	if err != nil {
		return nil, 0, false, err
	}

	var envelope struct {
		Payloads []struct {
			Timestamp            string `json:"timestamp"`
			BaseTransactionNumber int   `json:"baseTransactionNumber"`
			ChangedTablesByID    map[string]struct {
				ChangedRecordsByID map[string]struct {
					Current struct {
						CellValuesByFieldID map[string]any `json:"cellValuesByFieldId"`
					} `json:"current"`
				} `json:"changedRecordsById"`
				DestroyedRecordIDs []string `json:"destroyedRecordIds"`
			} `json:"changedTablesById"`
		} `json:"payloads"`
		Cursor        int  `json:"cursor"`
		MightHaveMore bool `json:"mightHaveMore"`
	}
	if err := decodeJSON(resp.Body, &envelope); err != nil {
		return nil, 0, false, err
	}

	out := make([]WebhookPayload, 0, len(envelope.Payloads))
	for _, p := range envelope.Payloads {
		ts, err := remote.ParseTime(p.Timestamp)
		if err != nil {
			return nil, 0, false, syncerr.New(syncerr.KindInternal, "airtable.Payloads",
				"bad payload timestamp %q", p.Timestamp)
		}
		payload := WebhookPayload{
			Timestamp:       ts,
			BaseTransaction: p.BaseTransactionNumber,
			ChangedTables:   make(map[string]ChangedTable, len(p.ChangedTablesByID)),
		}
		for tableID, t := range p.ChangedTablesByID {
			ct := ChangedTable{
				ChangedRecords: make(map[string]ChangedRecord, len(t.ChangedRecordsByID)),
				DeletedRecords: t.DestroyedRecordIDs,
			}
			for recID, r := range t.ChangedRecordsByID {
				ct.ChangedRecords[recID] = ChangedRecord{CellValuesByFieldID: r.Current.CellValuesByFieldID}
			}
			payload.ChangedTables[tableID] = ct
		}
		out = append(out, payload)
	}
	return out, envelope.Cursor, envelope.MightHaveMore, nil
}
