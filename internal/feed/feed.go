// Package feed loads raw market records and slices them into pipeline
// cycles.
package feed

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "autoppm/internal/errors"
	"autoppm/internal/models"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// row is the CSV layout. Only instrument, timestamp and close are required.
type row struct {
	Instrument string  `csv:"instrument"`
	Timestamp  string  `csv:"timestamp"`
	Open       float64 `csv:"open"`
	High       float64 `csv:"high"`
	Low        float64 `csv:"low"`
	Close      float64 `csv:"close"`
	Volume     float64 `csv:"volume"`
	Kind       string  `csv:"kind"`
}

// LoadCSV reads records from r. Instrument defaults to fallbackInstrument
// for files without an instrument column.
func LoadCSV(r io.Reader, source, fallbackInstrument string) ([]models.RawRecord, error) {
	var rows []*row
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperrors.NewDataError(source, "parsing csv", err)
	}

	out := make([]models.RawRecord, 0, len(rows))
	for i, rw := range rows {
		ts, err := parseTimestamp(rw.Timestamp)
		if err != nil {
			return nil, apperrors.NewDataError(source, fmt.Sprintf("row %d", i+1), err)
		}
		inst := rw.Instrument
		if inst == "" {
			inst = fallbackInstrument
		}
		kind := rw.Kind
		if kind == "" {
			kind = string(models.EventBarClose)
		}
		out = append(out, models.RawRecord{
			Instrument: inst,
			Timestamp:  ts,
			Open:       rw.Open,
			High:       rw.High,
			Low:        rw.Low,
			Price:      rw.Close,
			Volume:     rw.Volume,
			Kind:       kind,
			Source:     source,
		})
	}
	return out, nil
}

// LoadCSVFile reads a CSV file. The file name without extension is the
// fallback instrument.
func LoadCSVFile(path string) ([]models.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return LoadCSV(f, path, strings.ToUpper(base))
}

// WriteCSV writes records in the layout LoadCSV reads.
func WriteCSV(w io.Writer, records []models.RawRecord) error {
	rows := make([]*row, 0, len(records))
	for _, r := range records {
		rows = append(rows, &row{
			Instrument: r.Instrument,
			Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Price,
			Volume:     r.Volume,
			Kind:       r.Kind,
		})
	}
	return gocsv.Marshal(&rows, w)
}

// Merge combines per-source streams into one stream ordered by timestamp.
// Ties keep source order, then input order.
func Merge(streams ...[]models.RawRecord) []models.RawRecord {
	var out []models.RawRecord
	for _, s := range streams {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Batches slices a time-ordered stream into cycles. Records whose
// timestamps fall in the same window share a cycle; a zero window groups
// identical timestamps only.
func Batches(records []models.RawRecord, window time.Duration) [][]models.RawRecord {
	var out [][]models.RawRecord
	var cur []models.RawRecord
	var start time.Time
	for _, r := range records {
		if len(cur) > 0 {
			same := r.Timestamp.Equal(start)
			if window > 0 {
				same = r.Timestamp.Sub(start) < window
			}
			if !same {
				out = append(out, cur)
				cur = nil
			}
		}
		if len(cur) == 0 {
			start = r.Timestamp
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// SyntheticConfig describes a generated random-walk bar series.
type SyntheticConfig struct {
	Instrument string
	Start      time.Time
	Bars       int
	Interval   time.Duration
	Price      float64
	Drift      float64 // per bar
	Volatility float64 // per bar
	Volume     float64
	Seed       int64
}

// Synthetic generates a deterministic bar series for demos and replay tests.
func Synthetic(cfg SyntheticConfig) []models.RawRecord {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 100000
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	price := cfg.Price
	out := make([]models.RawRecord, 0, cfg.Bars)
	for i := 0; i < cfg.Bars; i++ {
		open := price
		ret := cfg.Drift + cfg.Volatility*rng.NormFloat64()
		price = math.Max(0.01, open*math.Exp(ret))
		spread := math.Abs(cfg.Volatility*rng.NormFloat64()) * open
		out = append(out, models.RawRecord{
			Instrument: cfg.Instrument,
			Timestamp:  cfg.Start.Add(time.Duration(i) * cfg.Interval),
			Open:       round2(open),
			High:       round2(math.Max(open, price) + spread),
			Low:        round2(math.Max(0.01, math.Min(open, price)-spread)),
			Price:      round2(price),
			Volume:     math.Round(cfg.Volume * (0.5 + rng.Float64())),
			Kind:       string(models.EventBarClose),
			Source:     "synthetic",
		})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
