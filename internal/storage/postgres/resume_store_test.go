package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestResumeStoreMarkCompletedUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewResumeStoreWithPool(mock, "", "", fixedClock{now: now}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO completed_targets").
		WithArgs("natgeo", "single-post:abc", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.MarkCompleted(context.Background(), "natgeo", "single-post:abc"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeStoreMarkCompletedWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResumeStoreWithPool(mock, "done", "runs", nil, nil)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO done").
		WithArgs("natgeo", "k", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err = store.MarkCompleted(context.Background(), "natgeo", "k")
	require.ErrorContains(t, err, "insert completed target")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeStoreLoadCollectsKeys(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResumeStoreWithPool(mock, "", "", nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT target_key FROM completed_targets").
		WithArgs("natgeo").
		WillReturnRows(pgxmock.NewRows([]string{"target_key"}).AddRow("a").AddRow("b"))

	keys, err := store.Load(context.Background(), "natgeo")
	require.NoError(t, err)
	require.Equal(t, batch.NewKeySet("a", "b"), keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeStoreLoadFailureStartsFresh(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResumeStoreWithPool(mock, "", "", nil, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT target_key").
		WithArgs("natgeo").
		WillReturnError(errors.New("relation does not exist"))

	keys, err := store.Load(context.Background(), "natgeo")
	require.NoError(t, err)
	require.Empty(t, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewResumeStoreWithPool(mock, "", "", nil, nil)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS resume_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewResumeStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewResumeStoreWithPool(nil, "", "", nil, nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewResumeStoreWithPool(mock, "bad-name;", "", nil, nil)
	require.Error(t, err)

	_, err = NewResumeStore(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}
