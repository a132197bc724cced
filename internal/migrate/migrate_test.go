package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"000001_wallets.up.sql":   {Data: []byte("CREATE TABLE wallets (user_id TEXT)")},
		"000001_wallets.down.sql": {Data: []byte("DROP TABLE wallets")},
		"000002_escrows.up.sql":   {Data: []byte("CREATE TABLE escrows (booking_id TEXT)")},
		"000002_escrows.down.sql": {Data: []byte("DROP TABLE escrows")},
	}
}

func TestUpAppliesOnlyPendingMigrations(test *testing.T) {
	test.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(test, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE escrows").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("000002", "000002_escrows.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := New(db, testFiles(), nil).Up(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, applied)
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestUpRollsBackFailedMigration(test *testing.T) {
	test.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(test, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE wallets").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	applied, err := New(db, testFiles(), nil).Up(context.Background())
	require.ErrorIs(test, err, context.DeadlineExceeded)
	require.Contains(test, err.Error(), "000001_wallets.up.sql")
	require.Equal(test, 0, applied)
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestDownRevertsLatestMigration(test *testing.T) {
	test.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(test, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, filename FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_escrows.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE escrows").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reverted, err := New(db, testFiles(), nil).Down(context.Background())
	require.NoError(test, err)
	require.True(test, reverted)
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestDownWithoutHistory(test *testing.T) {
	test.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(test, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, filename FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}))

	reverted, err := New(db, testFiles(), nil).Down(context.Background())
	require.NoError(test, err)
	require.False(test, reverted)
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrationsArePaired(test *testing.T) {
	test.Parallel()

	files, err := fs.Sub(embedded, "migrations")
	require.NoError(test, err)
	entries, err := fs.ReadDir(files, ".")
	require.NoError(test, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), upSuffix):
			ups[strings.TrimSuffix(entry.Name(), upSuffix)] = true
		case strings.HasSuffix(entry.Name(), downSuffix):
			downs[strings.TrimSuffix(entry.Name(), downSuffix)] = true
		}
	}
	require.NotEmpty(test, ups)
	require.Equal(test, ups, downs)
}

func TestVersion(test *testing.T) {
	test.Parallel()
	require.Equal(test, "000003", Version("000003_guarantee_fund.up.sql"))
	require.Equal(test, "plain", Version("plain"))
}
