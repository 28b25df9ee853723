package store

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/mohae/deepcopy"
)

// KeyValueStore persists small opaque documents under well-known keys.
// It backs the webhook registry and, in kv reload mode, the raw dynamic
// config document. Failures are expected to be tolerated by callers.
type KeyValueStore interface {
	GetValue(ctx context.Context, key string) ([]byte, error)
	SetValue(ctx context.Context, key string, value []byte) error
}

// EventStore records webhook events append-only and answers the lookups
// needed by the replay engine and the logs endpoint.
type EventStore interface {
	io.Closer
	Stats() Stats
	Push(ctx context.Context, ev *Event) error
	// FindByID returns the event with the given id, or ErrMissing.
	FindByID(ctx context.Context, webhookID, eventID string) (*Event, error)
	// FindByTimestamp returns the event recorded at exactly ts, or ErrMissing.
	FindByTimestamp(ctx context.Context, webhookID string, ts time.Time) (*Event, error)
	Query(ctx context.Context, q Query) ([]*Event, error)
}

// Store bundles the collaborators one storage backend provides.
type Store interface {
	KeyValueStore
	EventStore
}

// Query selects a window of recorded events, newest last.
type Query struct {
	WebhookID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ErrMissing is returned when the entry isn't found in the store.
var ErrMissing = errors.New("missing store entry")

// Stats represents store stats
type Stats struct {
	// Size is the stored data size in bytes.
	Size uint64

	// Items is the number of recorded events.
	Items uint64
}

// EventTypeForwardError marks synthetic records written when forwarding
// exhausts its retries. Regular webhook deliveries carry no type.
const EventTypeForwardError = "forward_error"

// Event is one recorded webhook delivery. Header values are already
// masked by the ingestion pipeline before the event reaches a store, so
// everything here is safe to persist and to stream.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type,omitempty"`
	WebhookID string    `json:"webhookId"`
	Timestamp time.Time `json:"timestamp"`

	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"bodyEncoding,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	SizeBytes    int64             `json:"sizeBytes"`
	RemoteIP     string            `json:"remoteIp,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	RequestID    string            `json:"requestId,omitempty"`

	StatusCode      int               `json:"statusCode"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`

	SignatureValid    *bool  `json:"signatureValid,omitempty"`
	SignatureProvider string `json:"signatureProvider,omitempty"`
	SignatureError    string `json:"signatureError,omitempty"`

	Error string `json:"error,omitempty"`

	ProcessingTimeMs int64 `json:"processingTimeMs"`
}

// Clone returns a deep copy, so concurrent consumers (stream fan-out,
// background tasks) can't observe each other's mutations.
func (ev *Event) Clone() *Event {
	return deepcopy.Copy(ev).(*Event)
}

func sortEventsByTime(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
