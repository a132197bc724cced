package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	cases := []struct {
		name         string
		dsn          string
		expectedType string
		expectedPath string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/rentals", expectedType: driverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/rentals", expectedType: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "a.db"), expectedType: driverSQLite, expectedPath: filepath.Join(directory, "a.db")},
		{name: "memory", dsn: ":memory:", expectedType: driverSQLite, expectedPath: ":memory:"},
		{name: "bare path", dsn: filepath.Join(directory, "nested", "b.db"), expectedType: driverSQLite, expectedPath: filepath.Join(directory, "nested", "b.db")},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			driver, path, err := resolveDriver(testCase.dsn)
			require.NoError(test, err)
			require.Equal(test, testCase.expectedType, driver)
			require.Equal(test, testCase.expectedPath, path)
		})
	}
}

func TestRootCommandLayout(test *testing.T) {
	test.Parallel()
	root := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"migrate", "up"}, {"migrate", "down"}, {"jobs", "run"}} {
		found, _, err := root.Find(path)
		require.NoError(test, err)
		require.Equal(test, path[len(path)-1], found.Name())
	}
	require.NotNil(test, root.PersistentFlags().Lookup(flagDatabaseURL))
}

func TestLoadConfigFromFlagsAndEnv(test *testing.T) {
	test.Setenv("RENTALLEDGER_JWT_SIGNING_KEY", "env-secret")
	test.Setenv("RENTALLEDGER_ADMIN_USER_IDS", "ops-1, ops-2")
	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(test, err)
	require.NoError(test, serve.ParseFlags([]string{"--" + flagListenAddr, ":9999"}))

	cfg, err := loadConfig(serve, viper.New())
	require.NoError(test, err)
	require.Equal(test, ":9999", cfg.ListenAddr)
	require.Equal(test, "env-secret", cfg.SessionSigningKey)
	require.Equal(test, []string{"ops-1", "ops-2"}, cfg.AdminUserIDs)
	require.Equal(test, defaultDatabaseURL, cfg.DatabaseURL)
}
