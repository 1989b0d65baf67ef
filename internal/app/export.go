package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"windtunnel-telemetry/internal/telemetry"
)

// Export renders historical records as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	window := a.Config.Export.DefaultWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	from := to.Add(-window)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openPersistentStore(ctx, "export")
	if err != nil {
		return err
	}
	defer store.Close()

	var recs []telemetry.Record
	if opts.Source != "" {
		recs, err = store.FindBySourceAndTimeRange(ctx, opts.Source, from, to)
	} else {
		recs, err = store.FindByTimeRange(ctx, from, to)
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		a.Logger.Info().Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(recs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(recs)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleRecords keeps max evenly spaced records, always including the
// first and the last.
func downsampleRecords(recs []telemetry.Record, max int) []telemetry.Record {
	if max <= 0 || len(recs) <= max {
		return recs
	}
	if max == 1 {
		return recs[len(recs)-1:]
	}

	result := make([]telemetry.Record, 0, max)
	step := float64(len(recs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(recs) {
			idx = len(recs) - 1
		}
		result = append(result, recs[idx])
	}
	return result
}

func writeRecordsCSV(path string, recs []telemetry.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"id", "data_time", "source", "equipment_id", "laboratory_id"}
	for _, ch := range telemetry.Channels {
		header = append(header, string(ch))
	}
	header = append(header, "status", "risk_level", "anomaly_description")
	if err := writer.Write(header); err != nil {
		return err
	}

	for i := range recs {
		rec := &recs[i]
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.DataTime.UTC().Format(time.RFC3339),
			rec.Source,
			rec.EquipmentID,
			rec.LaboratoryID,
		}
		for _, ch := range telemetry.Channels {
			if v, ok := rec.Value(ch); ok {
				row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		row = append(row, string(rec.Status), string(rec.RiskLevel), rec.AnomalyDescription)
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// chartSeries builds one time series per channel with at least two points.
func chartSeries(recs []telemetry.Record) []chart.Series {
	series := make([]chart.Series, 0, len(telemetry.Channels))
	for _, ch := range telemetry.Channels {
		var xs []time.Time
		var ys []float64
		for i := range recs {
			if v, ok := recs[i].Value(ch); ok {
				xs = append(xs, recs[i].DataTime)
				ys = append(ys, v)
			}
		}
		if len(xs) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name:    ch.Label(),
			XValues: xs,
			YValues: ys,
		})
	}
	return series
}

func writeRecordsPNG(path string, recs []telemetry.Record) error {
	series := chartSeries(recs)
	if len(series) == 0 {
		return errors.New("not enough data points to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Value",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
