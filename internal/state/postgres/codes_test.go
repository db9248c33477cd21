package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

func newMockStore(t *testing.T) (*CodeStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "known_codes")
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store, mock
}

func TestPersistInsertsBatch(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO known_codes").
		WithArgs([]string{"0101", "0202"}, time.Unix(1700000000, 0).UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := store.Persist(context.Background(), []harvest.Identifier{"0101", "0202"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	require.NoError(t, store.Persist(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO known_codes").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := store.Persist(context.Background(), []harvest.Identifier{"0101"})
	require.ErrorContains(t, err, "insert known codes")
}

func TestLoadReturnsIdentifiers(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT identifier FROM known_codes").
		WillReturnRows(mock.NewRows([]string{"identifier"}).AddRow("0101").AddRow("0202"))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []harvest.Identifier{"0101", "0202"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS known_codes").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "codes; DROP TABLE x")
	assert.Error(t, err)
	_, err = NewWithPool(nil, "")
	assert.Error(t, err)
}
