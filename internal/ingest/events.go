// Package ingest turns inbound webhook notifications into single-record sync
// requests. The CRM delivers direct-change payloads; the datastore delivers
// thin handle pings whose field-level changes must be pulled from its
// payload-history endpoint after a short delay.
package ingest

import (
	"time"

	"syncbridge/internal/remote"
)

// DirectChange names the affected records inline in the webhook body.
type DirectChange struct {
	System   remote.System
	Module   string
	RecordID string
	Deleted  bool
}

// HandleRef is a thin datastore ping. The actual changes are fetched from
// the payload-history endpoint keyed by webhook ID.
type HandleRef struct {
	BaseID    string
	WebhookID string
	Timestamp time.Time
}

// Event is one inbound notification, exactly one variant set. ID is the
// delivery ID assigned on enqueue; it correlates the log lines of one
// notification across workers.
type Event struct {
	ID     string
	Direct *DirectChange
	Handle *HandleRef

	ReceivedAt time.Time
}
