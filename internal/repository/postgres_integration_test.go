package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/sheetsync/internal/db"
	"github.com/rpattn/sheetsync/internal/domain"
)

// testPool connects to the database named by SHEETSYNC_TEST_DATABASE and
// applies migrations. Tests using it are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	name := os.Getenv("SHEETSYNC_TEST_DATABASE")
	if name == "" {
		t.Skip("SHEETSYNC_TEST_DATABASE not set")
	}
	cfg := db.DefaultConfig()
	cfg.DBName = name
	if host := os.Getenv("SHEETSYNC_TEST_DATABASE_HOST"); host != "" {
		cfg.Host = host
	}
	if password := os.Getenv("SHEETSYNC_TEST_DATABASE_PASSWORD"); password != "" {
		cfg.Password = password
	}

	require.NoError(t, db.RunMigrations(cfg))
	conn, err := db.NewConnection(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn.Pool
}

func uniqueScope() string { return "it-" + uuid.NewString()[:8] }

func TestRecordRepositoryVersionGuard(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)
	scope := uniqueScope()
	key := scope + "-k1"

	inserted, err := repo.Insert(ctx, domain.NewStoredRecord(scope, domain.SourceRecord{
		BusinessKey: key,
		Fields:      domain.Fields{"name": domain.StringValue("Alice")},
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted.Version)
	assert.Equal(t, domain.NormalizeKey(key), inserted.BusinessKey)

	_, err = repo.Insert(ctx, domain.NewStoredRecord(scope, domain.SourceRecord{BusinessKey: key}))
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)

	city := domain.Fields{"city": domain.StringValue("Oslo")}
	updated, err := repo.ApplyFields(ctx, inserted, city, city)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, domain.StringValue("Alice"), updated.Fields["name"])
	assert.Equal(t, domain.StringValue("Oslo"), updated.LastSyncedFields["city"])

	_, err = repo.ApplyFields(ctx, inserted, city, city)
	assert.ErrorIs(t, err, domain.ErrStaleRecord)

	active, err := repo.ListActive(ctx, scope)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, updated.Fields, active[0].Fields)
}

func TestDeletionRepositoryRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	records := NewRecordRepository(pool)
	deletions := NewDeletionRepository(pool)
	scope := uniqueScope()

	record, err := records.Insert(ctx, domain.NewStoredRecord(scope, domain.SourceRecord{
		BusinessKey: scope + "-gone",
		Fields:      domain.Fields{"name": domain.StringValue("Bob")},
	}))
	require.NoError(t, err)

	audit, err := deletions.SoftDelete(ctx, record, "absent from source", "sync:"+scope)
	require.NoError(t, err)
	assert.True(t, audit.CanRecover)
	assert.WithinDuration(t, time.Now(), audit.DeletedAt, time.Minute)

	deleted, err := records.GetByKey(ctx, record.BusinessKey)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted())
	active, err := records.ListActive(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, active)

	audits, err := deletions.ListAudits(ctx, scope, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)

	restored, err := deletions.Recover(ctx, record.BusinessKey, "ops")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted())
	assert.Equal(t, record.Fields, restored.Fields)

	_, err = deletions.Recover(ctx, record.BusinessKey, "ops")
	var notRecoverable *domain.NotRecoverableError
	assert.ErrorAs(t, err, &notRecoverable)

	_, err = deletions.Recover(ctx, scope+"-never-deleted", "ops")
	assert.ErrorAs(t, err, &notRecoverable)

	require.NoError(t, deletions.MarkUnrecoverable(ctx, record.BusinessKey))
	assert.ErrorIs(t, deletions.MarkUnrecoverable(ctx, scope+"-missing"), domain.ErrRecordNotFound)
}

func TestSyncRunRepositoryListsNewestFirst(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewSyncRunRepository(pool)
	scope := uniqueScope()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		run := domain.NewSyncRunLog(scope, domain.TriggerPeriodic, start.Add(time.Duration(i)*time.Hour))
		run.CompletedAt = run.StartedAt.Add(time.Minute)
		run.Status = domain.RunStatusSuccess
		run.Counts.Added = i
		require.NoError(t, repo.Record(ctx, run))
	}

	runs, err := repo.List(ctx, scope, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Counts.Added)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
}
