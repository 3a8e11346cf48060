package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/byod-backtesting/bridge/internal/backend/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *store.Store {
	s := store.New(store.Config{DataDir: t.TempDir()}, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bar(symbol string, ts int64, price string) store.PriceBar {
	p := decimal.RequireFromString(price)
	return store.PriceBar{Symbol: symbol, Timestamp: ts, Open: p, High: p, Low: p, Close: p, Volume: 10}
}

func TestConfig_Path(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", store.DefaultFileName), store.Config{DataDir: "/data"}.Path())
	assert.Equal(t, "/data/custom.db", store.Config{DataDir: "/data", Database: "custom.db"}.Path())
	assert.Equal(t, "/elsewhere/x.db", store.Config{DataDir: "/data", Database: "/elsewhere/x.db"}.Path())
}

func TestStore_Info_MissingFileIsNotCreated(t *testing.T) {
	s := newStore(t)

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Exists)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Info_ZeroByteFileStaysZeroBytes(t *testing.T) {
	s := newStore(t)

	require.NoError(t, os.WriteFile(s.Path(), nil, 0o644))

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Zero(t, info.Size)
	assert.Zero(t, info.Tables)

	fi, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestStore_InsertBars_MigratesAndSkipsDuplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	n, err := s.InsertBars(ctx, []store.PriceBar{
		bar("BTC", 1, "100.5"),
		bar("BTC", 2, "101.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.InsertBars(ctx, []store.PriceBar{
		bar("BTC", 2, "999"),
		bar("BTC", 3, "102"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.CountBars(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Positive(t, info.Size)
	assert.GreaterOrEqual(t, info.Tables, len(store.Tables))
}

func TestStore_Strategies(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	strategies, err := s.Strategies(ctx)
	require.NoError(t, err)
	assert.Empty(t, strategies)

	require.NoError(t, s.SaveStrategy(ctx, &store.Strategy{Name: "sma-cross", RulesJSON: `{"entry":[]}`}))
	require.NoError(t, s.SaveStrategy(ctx, &store.Strategy{Name: "breakout", RulesJSON: `{}`}))
	require.NoError(t, s.SaveStrategy(ctx, &store.Strategy{Name: "sma-cross", Description: "updated", RulesJSON: `{"entry":[1]}`}))

	strategies, err = s.Strategies(ctx)
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, "breakout", strategies[0].Name)
	assert.Equal(t, "sma-cross", strategies[1].Name)
	assert.Equal(t, "updated", strategies[1].Description)
}

func TestStore_Close_RefusesUse(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Close())

	_, err := s.Strategies(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}
