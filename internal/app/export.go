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

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"botfleet/internal/velocity"
)

// SeriesRow is one exported point: the metric value and the rate since the
// previous point.
type SeriesRow struct {
	Timestamp time.Time
	Value     int64
	PerHour   decimal.Decimal
}

// Export renders an agent's leaderboard metric as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	return a.with(ctx, func(b *bot) error {
		if opts.Agent == "" {
			opts.Agent = b.dispatcher.Self(ctx)
		}
		if opts.Agent == "" {
			return errors.New("--agent is required when no self account is configured")
		}

		points, err := b.velocity.Series(ctx, opts.Agent)
		if err != nil {
			return err
		}
		points, err = filterPoints(points, opts.From, opts.To)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			a.Logger.Info().Str("agent", opts.Agent).Msg("no snapshots found for export window")
			return nil
		}

		rows := seriesRows(downsamplePoints(points, opts.MaxPoints))
		a.Logger.Info().Str("agent", opts.Agent).Int("total", len(points)).Int("exported", len(rows)).Msg("exporting series")

		if opts.CSVPath != "" {
			if err := writeSeriesCSV(opts.CSVPath, rows); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writeSeriesPNG(opts.PNGPath, opts.Agent, a.Config.Velocity.Metric, rows); err != nil {
				return err
			}
		}
		return nil
	})
}

func filterPoints(points []velocity.Point, from, to *time.Time) ([]velocity.Point, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, errors.New("from must be before to")
	}
	out := points[:0:0]
	for _, p := range points {
		if from != nil && p.Timestamp.Before(*from) {
			continue
		}
		if to != nil && !p.Timestamp.Before(*to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func downsamplePoints(points []velocity.Point, max int) []velocity.Point {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]velocity.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func seriesRows(points []velocity.Point) []SeriesRow {
	rows := make([]SeriesRow, len(points))
	for i, p := range points {
		rows[i] = SeriesRow{Timestamp: p.Timestamp, Value: p.Value, PerHour: decimal.Zero}
		if i == 0 {
			continue
		}
		hours := p.Timestamp.Sub(points[i-1].Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		gained := decimal.NewFromInt(p.Value - points[i-1].Value)
		rows[i].PerHour = gained.Div(decimal.NewFromFloat(hours)).Round(1)
	}
	return rows
}

func writeSeriesCSV(path string, rows []SeriesRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "value", "per_hour"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.Value, 10),
			row.PerHour.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSeriesPNG(path, agent, metric string, rows []SeriesRow) error {
	if len(rows) < 2 {
		return errors.New("need at least two points to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	rates := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Timestamp
		values[i] = float64(row.Value)
		rates[i] = row.PerHour.InexactFloat64()
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  agent,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           metric,
			ValueFormatter: countFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           metric + " per hour",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    metric,
				XValues: x,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "per hour",
				XValues: x,
				YValues: rates,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
