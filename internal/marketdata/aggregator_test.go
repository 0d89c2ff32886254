package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto-trader/internal/models"
)

func tick(symbol string, price float64, volume int64, ts time.Time) models.Tick {
	return models.Tick{Symbol: symbol, LTP: decimal.NewFromFloat(price), Volume: volume, Timestamp: ts}
}

func TestAggregatorEmitsOnRollover(t *testing.T) {
	agg := NewAggregator(time.Minute)
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

	for _, tk := range []models.Tick{
		tick("INFY", 100, 1000, base.Add(5*time.Second)),
		tick("INFY", 103, 1200, base.Add(20*time.Second)),
		tick("INFY", 99, 1500, base.Add(40*time.Second)),
		tick("INFY", 101, 1600, base.Add(59*time.Second)),
	} {
		_, done := agg.Add(tk)
		require.False(t, done)
	}

	bar, done := agg.Add(tick("INFY", 102, 1700, base.Add(61*time.Second)))
	require.True(t, done)

	assert.Equal(t, "INFY", bar.Symbol)
	assert.Equal(t, models.Timeframe1Min, bar.Timeframe)
	assert.Equal(t, base, bar.Timestamp)
	assert.True(t, bar.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, bar.High.Equal(decimal.NewFromInt(103)))
	assert.True(t, bar.Low.Equal(decimal.NewFromInt(99)))
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(101)))
	assert.EqualValues(t, 600, bar.Volume)

	flushed := agg.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, base.Add(time.Minute), flushed[0].Timestamp)
	assert.EqualValues(t, 100, flushed[0].Volume)
	assert.Empty(t, agg.Flush())
}

func TestAggregatorDropsStaleTicks(t *testing.T) {
	agg := NewAggregator(time.Minute)
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

	agg.Add(tick("TCS", 200, 10, base.Add(70*time.Second)))
	_, done := agg.Add(tick("TCS", 500, 20, base.Add(10*time.Second)))
	assert.False(t, done)

	bars := agg.Flush()
	require.Len(t, bars, 1)
	assert.True(t, bars[0].High.Equal(decimal.NewFromInt(200)))
}

func TestAggregatorKeepsSymbolsApart(t *testing.T) {
	agg := NewAggregator(5 * time.Minute)
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

	agg.Add(tick("TCS", 200, 10, base))
	agg.Add(tick("INFY", 100, 10, base))

	bars := agg.Flush()
	require.Len(t, bars, 2)
	assert.Equal(t, "INFY", bars[0].Symbol)
	assert.Equal(t, "TCS", bars[1].Symbol)
	assert.Equal(t, models.Timeframe5Min, bars[0].Timeframe)
}

func TestAggregatorFirstBarCountsOpeningTrade(t *testing.T) {
	agg := NewAggregator(time.Minute)
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

	first := tick("SBIN", 600, 5000, base.Add(3*time.Second))
	first.LastQuantity = 25
	agg.Add(first)

	bars := agg.Flush()
	require.Len(t, bars, 1)
	assert.EqualValues(t, 25, bars[0].Volume)

	// Without a trade size the opening tick is the baseline.
	agg.Add(tick("SBIN", 600, 5000, base.Add(63*time.Second)))
	bars = agg.Flush()
	require.Len(t, bars, 1)
	assert.EqualValues(t, 0, bars[0].Volume)
}
