package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn emulates a ReplacingMergeTree read with FINAL: the last write per
// id wins.
type fakeConn struct {
	mu      sync.Mutex
	rows    map[string][]any
	queries []string
	execErr error
}

func newFakeConn() *fakeConn { return &fakeConn{rows: map[string][]any{}} }

func (c *fakeConn) Exec(_ context.Context, q string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.execErr != nil {
		return c.execErr
	}
	if strings.HasPrefix(q, "INSERT") {
		c.rows[args[0].(string)] = args
	}
	return nil
}

func (c *fakeConn) QueryRow(_ context.Context, q string, args ...any) driver.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	row, ok := c.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: sql.ErrNoRows}
	}
	return fakeRow{vals: row}
}

func (c *fakeConn) Ping(context.Context) error { return nil }
func (c *fakeConn) Close() error               { return nil }

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Err() error           { return r.err }
func (r fakeRow) ScanStruct(any) error { return errors.New("not supported") }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.vals[0].(string)
	*dest[1].(*string) = r.vals[1].(string)
	*dest[2].(*string) = r.vals[2].(string)
	*dest[3].(*time.Time) = r.vals[3].(time.Time)
	*dest[4].(*time.Time) = r.vals[4].(time.Time)
	*dest[5].(*uint8) = r.vals[5].(uint8)
	return nil
}

func newTestClickHouse(t *testing.T) (*ClickHouseStore, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s, err := newClickHouseStore(conn, "")
	require.NoError(t, err)
	return s, conn
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, Record{
		Collection: "conversations",
		Data:       json.RawMessage(`{"provider":"openai","tokens":12}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "conversations", got.Collection)
	assert.JSONEq(t, `{"provider":"openai","tokens":12}`, string(got.Data))

	updated, err := s.Update(ctx, created.ID, map[string]any{"tokens": 20, "provider": nil, "title": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tokens":20,"title":"hi"}`, string(updated.Data))

	got, err = s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tokens":20,"title":"hi"}`, string(got.Data))

	ok, err := s.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = s.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Update(ctx, "missing", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Create(ctx, Record{Data: json.RawMessage(`{broken`)})
	assert.Error(t, err)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestClickHouseStore_Contract(t *testing.T) {
	s, _ := newTestClickHouse(t)
	storeContract(t, s)
}

func TestMemoryStore_DuplicateID(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), Record{ID: "x"})
	require.NoError(t, err)
	_, err = s.Create(context.Background(), Record{ID: "x"})
	assert.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	rec, err := s.Create(context.Background(), Record{ID: "x", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)

	got, _ := s.GetByID(context.Background(), "x")
	got.Data[2] = 'b'

	again, _ := s.GetByID(context.Background(), rec.ID)
	assert.JSONEq(t, `{"a":1}`, string(again.Data))
}

func TestClickHouseStore_MigrateAndQueries(t *testing.T) {
	s, conn := newTestClickHouse(t)
	require.NoError(t, s.Migrate(context.Background()))

	_, err := s.Create(context.Background(), Record{ID: "r1"})
	require.NoError(t, err)
	_, _ = s.GetByID(context.Background(), "r1")

	require.Len(t, conn.queries, 3)
	assert.Contains(t, conn.queries[0], "CREATE TABLE IF NOT EXISTS gateway_records")
	assert.Contains(t, conn.queries[0], "ReplacingMergeTree(updated_at)")
	assert.Contains(t, conn.queries[1], "INSERT INTO gateway_records")
	assert.Contains(t, conn.queries[2], "FROM gateway_records FINAL")
}

func TestClickHouseStore_WriteError(t *testing.T) {
	s, conn := newTestClickHouse(t)
	conn.execErr = errors.New("connection reset")

	_, err := s.Create(context.Background(), Record{ID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestClickHouseStore_InvalidTable(t *testing.T) {
	_, err := newClickHouseStore(newFakeConn(), "records; DROP TABLE x")
	assert.Error(t, err)

	s, err := newClickHouseStore(newFakeConn(), "analytics.records")
	require.NoError(t, err)
	assert.Equal(t, "analytics.records", s.table)
}
