// Package models provides domain models for the trading application.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// Timeframe is the interval a bar covers.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	Timeframe30Min Timeframe = "30min"
	Timeframe1Hour Timeframe = "1hour"
	Timeframe1Day  Timeframe = "1day"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1Min:  time.Minute,
	Timeframe5Min:  5 * time.Minute,
	Timeframe15Min: 15 * time.Minute,
	Timeframe30Min: 30 * time.Minute,
	Timeframe1Hour: time.Hour,
	Timeframe1Day:  24 * time.Hour,
}

// Duration returns the length of the timeframe, or zero if unknown.
func (t Timeframe) Duration() time.Duration {
	return timeframeDurations[t]
}

// TimeframeFor maps an interval back to its timeframe name.
func TimeframeFor(d time.Duration) (Timeframe, bool) {
	for tf, dur := range timeframeDurations {
		if dur == d {
			return tf, true
		}
	}
	return "", false
}

// BarData is one OHLCV sample for a symbol over a fixed interval.
// Prices are fixed-point decimals; the value is never mutated after construction.
type BarData struct {
	Symbol    string
	Timeframe Timeframe
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
	Timestamp time.Time // bar open time, UTC
}

// NewBar builds a bar from float prices, normalising the timestamp to UTC.
func NewBar(symbol string, tf Timeframe, open, high, low, closePrice float64, volume int64, ts time.Time) BarData {
	return BarData{
		Symbol:    symbol,
		Timeframe: tf,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(closePrice),
		Volume:    volume,
		Timestamp: ts.UTC(),
	}
}

// Prices returns open, high, low and close in that order.
func (b BarData) Prices() [4]decimal.Decimal {
	return [4]decimal.Decimal{b.Open, b.High, b.Low, b.Close}
}

// Tick represents real-time market data.
type Tick struct {
	Symbol       string
	LTP          decimal.Decimal
	Volume       int64 // cumulative volume traded for the day
	LastQuantity int64 // size of the trade behind this tick
	Timestamp    time.Time
}

// CorruptionType classifies why a bar was rejected.
type CorruptionType string

const (
	CorruptionNone            CorruptionType = "none"
	CorruptionZeroVolume      CorruptionType = "zero_volume"
	CorruptionFutureTimestamp CorruptionType = "future_timestamp"
	CorruptionNegativePrice   CorruptionType = "negative_price"
	CorruptionInvalidOHLC     CorruptionType = "invalid_ohlc"
	CorruptionExtremePrice    CorruptionType = "extreme_price"
)

// MarketDataValidationResult is the outcome of validating one bar.
type MarketDataValidationResult struct {
	IsValid        bool
	ErrorMessage   string
	CorruptionType CorruptionType
}

// ConnectionState represents the lifecycle state of the broker session.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionShutdown     ConnectionState = "shutdown"
)

// ConnectionStatus is a read-only snapshot of the broker connection.
type ConnectionStatus struct {
	Connected          bool
	State              ConnectionState
	LastConnectAttempt time.Time
	LastConnected      time.Time
	ReconnectAttempts  int
	LastError          string
	AccountID          string
	IsPaper            bool
}
