package demand

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
)

func testSnapshot() pricing.DemandSnapshot {
	return pricing.DemandSnapshot{
		RegionID:       "montevideo",
		Counts:         pricing.DemandCounts{ActiveBookings: 40, AvailableCars: 50, PendingRequests: 12},
		SurgeFactor:    decimal.RequireFromString("1.15"),
		UpdatedUnixUTC: 1_700_000_000,
	}
}

func TestSaveDemandWritesJSONWithTTL(test *testing.T) {
	test.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewStore(client, WithTTL(time.Hour))

	payload, err := json.Marshal(testSnapshot())
	require.NoError(test, err)
	mock.ExpectSet("rentalledger:demand:montevideo", string(payload), time.Hour).SetVal("OK")

	require.NoError(test, store.SaveDemand(context.Background(), testSnapshot()))
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestLoadDemandDecodesSnapshot(test *testing.T) {
	test.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewStore(client, WithKeyPrefix("test:"))

	payload, err := json.Marshal(testSnapshot())
	require.NoError(test, err)
	mock.ExpectGet("test:montevideo").SetVal(string(payload))

	snapshot, found, err := store.LoadDemand(context.Background(), "montevideo")
	require.NoError(test, err)
	require.True(test, found)
	require.Equal(test, int64(40), snapshot.Counts.ActiveBookings)
	require.True(test, snapshot.SurgeFactor.Equal(decimal.RequireFromString("1.15")))
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestLoadDemandMissingKey(test *testing.T) {
	test.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewStore(client)
	mock.ExpectGet("rentalledger:demand:lima").RedisNil()

	_, found, err := store.LoadDemand(context.Background(), "lima")
	require.NoError(test, err)
	require.False(test, found)
}

func TestLoadDemandPropagatesErrors(test *testing.T) {
	test.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewStore(client)
	mock.ExpectGet("rentalledger:demand:lima").SetErr(errors.New("connection refused"))

	_, _, err := store.LoadDemand(context.Background(), "lima")
	require.ErrorContains(test, err, "connection refused")
	require.NotErrorIs(test, err, context.Canceled)
}
