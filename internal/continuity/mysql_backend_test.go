package continuity

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Monios-Control/internal/storage/mysql/mysqltest"
)

const upsertSQL = `INSERT INTO continuity_records (tenant_id, token, updated_at)
    VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE token = VALUES(token), updated_at = VALUES(updated_at)`

func TestMySQLBackendRoundTrip(t *testing.T) {
	updated := time.UnixMilli(1700000000123).UTC()
	db := mysqltest.NewDB(t,
		mysqltest.Exec(upsertSQL, mysqltest.Result{RowsAffected: 1}).
			WithArgs("u1", "tok-1", updated.UnixMilli()),
		mysqltest.Query(`SELECT tenant_id, token, updated_at FROM continuity_records`, mysqltest.Rows{
			Columns: []string{"tenant_id", "token", "updated_at"},
			Values:  [][]driver.Value{{"u1", "tok-1", updated.UnixMilli()}},
		}),
		mysqltest.Exec(`DELETE FROM continuity_records WHERE tenant_id = ?`, mysqltest.Result{RowsAffected: 1}).
			WithArgs("u1"),
	)
	b := NewMySQLBackendFromDB(db)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, Record{TenantID: "u1", Token: "tok-1", UpdatedAt: updated}))

	records, err := b.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tok-1", records["u1"].Token)
	assert.True(t, updated.Equal(records["u1"].UpdatedAt))

	require.NoError(t, b.Delete(ctx, "u1"))
}

func TestMySQLBackendErrorsFeedLedger(t *testing.T) {
	db := mysqltest.NewDB(t,
		mysqltest.Query(`SELECT tenant_id, token, updated_at FROM continuity_records`, mysqltest.Rows{}).
			WithError(errors.New("table missing")),
		mysqltest.Exec(upsertSQL, mysqltest.Result{}).WithError(errors.New("read only")),
	)
	led := newLedger(NewMySQLBackendFromDB(db))
	ctx := context.Background()

	led.Load(ctx)
	assert.Empty(t, led.Snapshot())
	require.Error(t, led.Record(ctx, "u1", "tok-1"))
	assert.Equal(t, "tok-1", led.Resolve("u1", ""))
}
