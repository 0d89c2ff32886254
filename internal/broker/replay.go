package broker

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"auto-trader/internal/models"
)

// csvBar is one row of a bar replay file:
//
//	symbol,timestamp,open,high,low,close,volume
//	INFY,2024-03-04T09:15:00Z,1650.5,1652,1649.1,1651.2,12000
type csvBar struct {
	Symbol    string `csv:"symbol"`
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    int64  `csv:"volume"`
}

// LoadBarsCSV reads a bar replay file, ordered by timestamp.
func LoadBarsCSV(path string, tf models.Timeframe) ([]models.BarData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()
	return ReadBarsCSV(f, tf)
}

// ReadBarsCSV parses bars from r, ordered by timestamp. Rows are not
// validated here; the market data gate does that.
func ReadBarsCSV(r io.Reader, tf models.Timeframe) ([]models.BarData, error) {
	var rows []*csvBar
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("parsing replay csv: %w", err)
	}

	bars := make([]models.BarData, 0, len(rows))
	for i, row := range rows {
		bar, err := row.toBar(tf)
		if err != nil {
			return nil, fmt.Errorf("replay row %d: %w", i+1, err)
		}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func (c *csvBar) toBar(tf models.Timeframe) (models.BarData, error) {
	ts, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return models.BarData{}, fmt.Errorf("timestamp: %w", err)
	}

	var prices [4]decimal.Decimal
	for i, s := range []string{c.Open, c.High, c.Low, c.Close} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return models.BarData{}, fmt.Errorf("price %q: %w", s, err)
		}
		prices[i] = d
	}

	return models.BarData{
		Symbol:    c.Symbol,
		Timeframe: tf,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    c.Volume,
		Timestamp: ts.UTC(),
	}, nil
}
