// Package export writes a range of persisted samples as a spreadsheet-friendly CSV.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/balkon/config"
	"github.com/mjasion/balena-home/balkon/persist"
)

// ErrNoData is returned when no persisted row falls inside the requested range
var ErrNoData = errors.New("no data in the requested range")

// Request selects what to export
type Request struct {
	From     time.Time
	To       time.Time
	Channels []int // 0-based; empty means the active channels
	Settings *config.Settings
}

// Header returns the column names: Timestamp_ISO, Raw_Ch_i for each channel, then Cal_Ch_i for each channel
func Header(channels []int) []string {
	header := make([]string, 0, 1+2*len(channels))
	header = append(header, "Timestamp_ISO")
	for _, ch := range channels {
		header = append(header, fmt.Sprintf("Raw_Ch_%d", ch+1))
	}
	for _, ch := range channels {
		header = append(header, fmt.Sprintf("Cal_Ch_%d", ch+1))
	}
	return header
}

// Write exports every persisted row of dir within the request range to w and returns the row count
func Write(ctx context.Context, reader *persist.Reader, dir string, w io.Writer, req Request) (int, error) {
	ctx, span := otel.Tracer("export").Start(ctx, "export.Write")
	defer span.End()

	channels := req.Channels
	if len(channels) == 0 {
		channels = req.Settings.ActiveChannels()
	}

	samples, err := reader.ReadRange(dir, req.From, req.To)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read range")
		return 0, fmt.Errorf("failed to read persisted range: %w", err)
	}
	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "no data")
		return 0, ErrNoData
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Header(channels)); err != nil {
		return 0, fmt.Errorf("failed to write export header: %w", err)
	}

	row := make([]string, 1+2*len(channels))
	for i, s := range samples {
		if i%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}

		row[0] = s.Time().Format(persist.ISOLayout)
		for j, ch := range channels {
			var raw float64
			if ch < len(s.Values) {
				raw = s.Values[ch]
			}
			cal := raw
			if ch < len(req.Settings.Channels) {
				cal = req.Settings.Channels[ch].Apply(raw)
			}
			row[1+j] = strconv.FormatFloat(raw, 'f', -1, 64)
			row[1+len(channels)+j] = strconv.FormatFloat(cal, 'f', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return i, fmt.Errorf("failed to write export row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		span.RecordError(err)
		return len(samples), fmt.Errorf("failed to flush export: %w", err)
	}

	span.SetAttributes(
		attribute.Int("export.rows", len(samples)),
		attribute.Int("export.channels", len(channels)),
	)
	span.SetStatus(codes.Ok, "export written")
	return len(samples), nil
}

// WriteFile exports to path, replacing it only when the export succeeds
func WriteFile(ctx context.Context, reader *persist.Reader, dir, path string, req Request) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.csv")
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	rows, err := Write(ctx, reader, dir, tmp, req)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close export file: %w", closeErr)
	}
	if err != nil {
		return rows, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return rows, fmt.Errorf("failed to move export to %s: %w", path, err)
	}
	return rows, nil
}
