package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

// UnresolvedEvent is an authenticated notification that matched no
// subscription or could not be applied
type UnresolvedEvent struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	ExternalID string          `json:"externalId,omitempty"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// UnresolvedRecorder persists unresolved-event diagnostics
type UnresolvedRecorder interface {
	Record(ctx context.Context, ev *UnresolvedEvent) error
}

// UnresolvedLister lists diagnostics newest first. Before is an ID cursor;
// zero starts from the newest.
type UnresolvedLister interface {
	List(ctx context.Context, before int64, limit int) ([]*UnresolvedEvent, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

// payloadText keeps invalid JSON payloads readable by storing them quoted
func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "null"
	}
	if json.Valid(p) {
		return string(p)
	}
	quoted, _ := json.Marshal(string(p))
	return string(quoted)
}

// SQLRecorder stores diagnostics in the unresolved_events table
type SQLRecorder struct {
	db *storage.DB
}

// NewSQLRecorder creates a SQLRecorder
func NewSQLRecorder(db *storage.DB) *SQLRecorder {
	return &SQLRecorder{db: db}
}

func (r *SQLRecorder) Record(ctx context.Context, ev *UnresolvedEvent) error {
	err := r.db.Primary.QueryRowContext(ctx, `
		INSERT INTO unresolved_events (event_id, event_type, external_id, reason, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ev.EventID, ev.EventType, ev.ExternalID, ev.Reason, payloadText(ev.Payload), ev.ReceivedAt.UTC()).Scan(&ev.ID)
	if err != nil {
		return errs.Unavailable("record unresolved event", err)
	}
	return nil
}

func (r *SQLRecorder) List(ctx context.Context, before int64, limit int) ([]*UnresolvedEvent, error) {
	query := `SELECT id, event_id, event_type, external_id, reason, payload, received_at FROM unresolved_events`
	args := []interface{}{}
	if before > 0 {
		query += ` WHERE id < $1`
		args = append(args, before)
	}
	args = append(args, normalizeLimit(limit))
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := r.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Unavailable("list unresolved events", err)
	}
	defer rows.Close()

	var out []*UnresolvedEvent
	for rows.Next() {
		ev := &UnresolvedEvent{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.ExternalID, &ev.Reason, &payload, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unresolved event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("list unresolved events", err)
	}
	return out, nil
}

// MemoryRecorder keeps diagnostics in process for the memory driver
type MemoryRecorder struct {
	mu     sync.Mutex
	events []*UnresolvedEvent
}

// NewMemoryRecorder creates an empty MemoryRecorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ctx context.Context, ev *UnresolvedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	c := *ev
	r.events = append(r.events, &c)
	return nil
}

func (r *MemoryRecorder) List(ctx context.Context, before int64, limit int) ([]*UnresolvedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*UnresolvedEvent
	for _, ev := range r.events {
		if before == 0 || ev.ID < before {
			c := *ev
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if n := normalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ObjectPutter writes one object to blob storage
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// S3Archiver copies each diagnostic to object storage as a JSON document
// under <prefix><yyyy>/<mm>/<dd>/<event id>.json
type S3Archiver struct {
	store  ObjectPutter
	prefix string
}

// NewS3Archiver creates an archiver writing under prefix
func NewS3Archiver(store ObjectPutter, prefix string) *S3Archiver {
	return &S3Archiver{store: store, prefix: prefix}
}

func (a *S3Archiver) Record(ctx context.Context, ev *UnresolvedEvent) error {
	doc, err := json.Marshal(struct {
		*UnresolvedEvent
		Payload json.RawMessage `json:"payload"`
	}{ev, json.RawMessage(payloadText(ev.Payload))})
	if err != nil {
		return fmt.Errorf("failed to encode unresolved event: %w", err)
	}
	name := ev.EventID
	if name == "" {
		name = fmt.Sprintf("unidentified-%d", ev.ReceivedAt.UnixNano())
	}
	key := fmt.Sprintf("%s%s/%s.json", a.prefix, ev.ReceivedAt.UTC().Format("2006/01/02"), name)
	if err := a.store.PutObject(ctx, key, doc, "application/json"); err != nil {
		return errs.Unavailable("archive unresolved event", err)
	}
	return nil
}

// LogRecorder writes diagnostics to the log only
type LogRecorder struct {
	logger *observability.Logger
}

// NewLogRecorder creates a LogRecorder
func NewLogRecorder(logger *observability.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, ev *UnresolvedEvent) error {
	r.logger.WithFields(map[string]interface{}{
		"event_id":    ev.EventID,
		"event_type":  ev.EventType,
		"external_id": ev.ExternalID,
		"reason":      ev.Reason,
	}).Warn("Unresolved webhook event")
	return nil
}

// MultiRecorder records to every recorder and joins their errors
type MultiRecorder []UnresolvedRecorder

func (m MultiRecorder) Record(ctx context.Context, ev *UnresolvedEvent) error {
	var errList []error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// BestEffort wraps a secondary recorder whose failures are logged and
// otherwise ignored
func BestEffort(r UnresolvedRecorder, logger *observability.Logger) UnresolvedRecorder {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return bestEffort{next: r, logger: logger}
}

type bestEffort struct {
	next   UnresolvedRecorder
	logger *observability.Logger
}

func (b bestEffort) Record(ctx context.Context, ev *UnresolvedEvent) error {
	if err := b.next.Record(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("event_id", ev.EventID).Warn("Secondary unresolved-event recorder failed")
	}
	return nil
}
