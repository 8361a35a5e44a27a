package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

var received = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newSQLRecorder(t *testing.T) *SQLRecorder {
	t.Helper()
	raw, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "webhooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := storage.NewDB(raw, nil, storage.SQLite)
	_, err = storage.Migrate(context.Background(), db, storage.Migrations())
	require.NoError(t, err)
	return NewSQLRecorder(db)
}

func unresolved(i int) *UnresolvedEvent {
	return &UnresolvedEvent{
		EventID:    "evt_" + string(rune('a'+i)),
		EventType:  string(EventPaymentReceived),
		ExternalID: "sub_missing",
		Reason:     "not found",
		Payload:    json.RawMessage(`{"type":"payment-received"}`),
		ReceivedAt: received.Add(time.Duration(i) * time.Minute),
	}
}

func testRecorderLister(t *testing.T, rec interface {
	UnresolvedRecorder
	UnresolvedLister
}) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := unresolved(i)
		require.NoError(t, rec.Record(ctx, ev))
		assert.Greater(t, ev.ID, int64(0))
	}

	all, err := rec.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "evt_c", all[0].EventID, "newest first")
	assert.Equal(t, received.Add(2*time.Minute), all[0].ReceivedAt)
	assert.JSONEq(t, `{"type":"payment-received"}`, string(all[0].Payload))

	page, err := rec.List(ctx, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "evt_b", page[0].EventID)
}

func TestSQLRecorder(t *testing.T) {
	testRecorderLister(t, newSQLRecorder(t))
}

func TestMemoryRecorder(t *testing.T) {
	testRecorderLister(t, NewMemoryRecorder())
}

func TestSQLRecorderKeepsInvalidPayload(t *testing.T) {
	rec := newSQLRecorder(t)
	ctx := context.Background()
	ev := unresolved(0)
	ev.Payload = json.RawMessage(`not json`)
	require.NoError(t, rec.Record(ctx, ev))

	all, err := rec.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, `"not json"`, string(all[0].Payload))
}

func TestSQLRecorderUnavailable(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectQuery("INSERT INTO unresolved_events").WillReturnError(errors.New("connection reset"))
	rec := NewSQLRecorder(storage.NewDB(raw, nil, storage.Postgres))

	err = rec.Record(context.Background(), unresolved(0))
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakePutter struct {
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	return nil
}

func TestS3Archiver(t *testing.T) {
	putter := &fakePutter{}
	arch := NewS3Archiver(putter, "unresolved/")

	require.NoError(t, arch.Record(context.Background(), unresolved(0)))
	doc, ok := putter.objects["unresolved/2024/03/10/evt_a.json"]
	require.True(t, ok)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &got))
	assert.Equal(t, "evt_a", got["eventId"])
	assert.Equal(t, "sub_missing", got["externalId"])
	assert.Equal(t, "payment-received", got["payload"].(map[string]interface{})["type"])

	putter.err = errors.New("access denied")
	assert.ErrorIs(t, arch.Record(context.Background(), unresolved(1)), errs.ErrStoreUnavailable)
}

func TestMultiRecorder(t *testing.T) {
	mem := NewMemoryRecorder()
	failing := NewS3Archiver(&fakePutter{err: errors.New("boom")}, "")

	err := MultiRecorder{mem, failing}.Record(context.Background(), unresolved(0))
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)

	listed, _ := mem.List(context.Background(), 0, 10)
	assert.Len(t, listed, 1, "earlier recorders still run")

	assert.NoError(t, MultiRecorder{mem}.Record(context.Background(), unresolved(1)))
}

func TestBestEffortRecorder(t *testing.T) {
	mem := NewMemoryRecorder()
	failing := BestEffort(NewS3Archiver(&fakePutter{err: errors.New("boom")}, ""), nil)

	require.NoError(t, MultiRecorder{mem, failing}.Record(context.Background(), unresolved(0)))
	listed, err := mem.List(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
