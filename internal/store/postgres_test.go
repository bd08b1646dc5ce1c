package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresWithPool(mock), mock
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND s = $3", rebind("UPDATE t SET a = ? WHERE id = ? AND s = ?"))
}

func TestPostgresStore_Migrate_AlreadyApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(8675309\)`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_init.sql"))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_AppliesPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations \(filename, applied_at\) VALUES \(\$1, \$2\)`).
		WithArgs("001_init.sql", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, phase, source, input, status, started_at, finished_at,.* FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddCounter_OnlyRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET seen = seen \+ \$1 WHERE id = \$2 AND status = \$3`).
		WithArgs(int64(4), "run-1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := s.AddCounter(context.Background(), "run-1", model.CounterSeen, 4)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertZip_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO zip_records .* ON CONFLICT \(hash\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id FROM zip_records WHERE hash = \$1`).
		WithArgs("zh").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing"))

	id, created, err := s.InsertZip(context.Background(), model.ZipRecord{
		Hash: "zh", Status: model.StructuralOK, FirstSeenAt: now, LastSeenAt: now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceItemValues_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE IF NOT EXISTS "_tmp_upsert_item_values"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_item_values"}, itemUpsert.Columns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "item_values" .* ON CONFLICT \("xml_hash", "item_code", "occurrence"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`TRUNCATE "_tmp_upsert_item_values"`).
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectExec(`UPDATE item_values SET superseded_by_run_id = \$1`).
		WithArgs("r2", now, "x1", "r2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	n, err := s.ReplaceItemValues(context.Background(), "x1", "r2", []model.ItemValue{
		{XmlHash: "x1", ItemCode: "A", Occurrence: 1, RawValue: "1", Presence: model.PresencePopulated, RunID: "r2"},
		{XmlHash: "x1", ItemCode: "A", Occurrence: 2, RawValue: "2", Presence: model.PresencePopulated, RunID: "r2"},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyChange_GuardMiss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE events SET match_status = \$1.* WHERE id = \$11 AND version = \$12 AND match_status = \$13`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	ok, err := s.ApplyChange(context.Background(), reconcileChange())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func reconcileChange() reconcile.Change {
	return reconcile.Change{
		EventID: "e1", FromVersion: 3, From: model.MatchNew, To: model.MatchAuto,
		Transition: model.MatchTransition{From: model.MatchNew, To: model.MatchAuto, Actor: model.ActorSystem},
	}
}
