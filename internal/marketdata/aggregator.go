package marketdata

import (
	"sort"
	"sync"
	"time"

	"auto-trader/internal/models"
)

// Aggregator folds ticks into fixed-interval OHLC bars per symbol.
//
// A bar is emitted when the first tick of the next interval arrives, or on
// Flush. Bar volume is the growth of the cumulative day volume across the
// interval. The first bar of a symbol starts from the volume before its
// first tick's trade, so a single-tick bar still carries that trade. Ticks
// older than the open interval are dropped.
type Aggregator struct {
	interval  time.Duration
	timeframe models.Timeframe

	mu      sync.Mutex
	current map[string]*pendingBar
}

type pendingBar struct {
	bar        models.BarData
	baseVolume int64 // cumulative volume when the interval opened
	lastVolume int64
}

// NewAggregator creates an aggregator for the given interval.
func NewAggregator(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	tf, ok := models.TimeframeFor(interval)
	if !ok {
		tf = models.Timeframe(interval.String())
	}
	return &Aggregator{
		interval:  interval,
		timeframe: tf,
		current:   make(map[string]*pendingBar),
	}
}

// Interval returns the bar interval.
func (a *Aggregator) Interval() time.Duration {
	return a.interval
}

// Add applies a tick and returns the completed bar when the tick opens a
// new interval.
func (a *Aggregator) Add(tick models.Tick) (models.BarData, bool) {
	ts := tick.Timestamp.UTC()
	start := ts.Truncate(a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, found := a.current[tick.Symbol]
	if !found {
		base := tick.Volume - tick.LastQuantity
		if base < 0 {
			base = 0
		}
		a.current[tick.Symbol] = a.open(tick, start, base)
		return models.BarData{}, false
	}

	switch {
	case start.Before(cur.bar.Timestamp):
		// Stale tick from an interval already closed.
		return models.BarData{}, false
	case start.Equal(cur.bar.Timestamp):
		cur.update(tick)
		return models.BarData{}, false
	}

	done := cur.finish()
	a.current[tick.Symbol] = a.open(tick, start, cur.lastVolume)
	return done, true
}

// Flush returns every open bar and resets the aggregator. Bars are ordered
// by symbol.
func (a *Aggregator) Flush() []models.BarData {
	a.mu.Lock()
	defer a.mu.Unlock()

	bars := make([]models.BarData, 0, len(a.current))
	for _, cur := range a.current {
		bars = append(bars, cur.finish())
	}
	a.current = make(map[string]*pendingBar)

	sort.Slice(bars, func(i, j int) bool { return bars[i].Symbol < bars[j].Symbol })
	return bars
}

func (a *Aggregator) open(tick models.Tick, start time.Time, baseVolume int64) *pendingBar {
	// Cumulative volume restarts each session.
	if tick.Volume < baseVolume {
		baseVolume = 0
	}
	return &pendingBar{
		bar: models.BarData{
			Symbol:    tick.Symbol,
			Timeframe: a.timeframe,
			Open:      tick.LTP,
			High:      tick.LTP,
			Low:       tick.LTP,
			Close:     tick.LTP,
			Timestamp: start,
		},
		baseVolume: baseVolume,
		lastVolume: tick.Volume,
	}
}

func (p *pendingBar) update(tick models.Tick) {
	if tick.LTP.GreaterThan(p.bar.High) {
		p.bar.High = tick.LTP
	}
	if tick.LTP.LessThan(p.bar.Low) {
		p.bar.Low = tick.LTP
	}
	p.bar.Close = tick.LTP
	if tick.Volume > p.lastVolume {
		p.lastVolume = tick.Volume
	}
}

func (p *pendingBar) finish() models.BarData {
	bar := p.bar
	bar.Volume = p.lastVolume - p.baseVolume
	return bar
}
