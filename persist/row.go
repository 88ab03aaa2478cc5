package persist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

const markerPrefix = "# DAILY LOG START"

// ISOLayout is the local calendar time layout of the Timestamp_ISO column
const ISOLayout = "2006-01-02 15:04:05.000000"

var (
	errComment = errors.New("comment line")
	errHeader  = errors.New("header line")
)

// MarkerRecord is the first line of every log file
func MarkerRecord(date string) []string {
	return []string{markerPrefix, date}
}

// HeaderRecord is the column header written after the marker line
func HeaderRecord(n int) []string {
	header := make([]string, 0, n+2)
	header = append(header, "Timestamp_Unix", "Timestamp_ISO")
	for i := 1; i <= n; i++ {
		header = append(header, fmt.Sprintf("Ch_%d", i))
	}
	return header
}

// FormatRow renders a sample as unix timestamp, local ISO time and n raw values
func FormatRow(s types.ChannelSample, n int) []string {
	row := make([]string, 0, n+2)
	row = append(row,
		strconv.FormatFloat(s.Timestamp, 'f', -1, 64),
		s.Time().Format(ISOLayout),
	)
	for i := 0; i < n; i++ {
		var v float64
		if i < len(s.Values) {
			v = s.Values[i]
		}
		row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return row
}

// ParseRow parses one log line into a sample of n channels
// Missing channel columns read as zero; comment and header lines return an error
func ParseRow(line string, n int) (types.ChannelSample, error) {
	if strings.TrimSpace(line) == "" {
		return types.ChannelSample{}, errComment
	}
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return types.ChannelSample{}, fmt.Errorf("invalid csv line: %w", err)
	}
	return ParseRecord(record, n)
}

// ParseRecord parses one CSV record into a sample of n channels
func ParseRecord(fields []string, n int) (types.ChannelSample, error) {
	if len(fields) == 0 {
		return types.ChannelSample{}, errComment
	}
	first := strings.TrimSpace(fields[0])
	if first == "" || strings.HasPrefix(first, "#") {
		return types.ChannelSample{}, errComment
	}
	if strings.HasPrefix(first, "Timestamp") {
		return types.ChannelSample{}, errHeader
	}
	if len(fields) < 2 {
		return types.ChannelSample{}, fmt.Errorf("expected at least 2 columns, got %d", len(fields))
	}

	ts, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return types.ChannelSample{}, fmt.Errorf("invalid timestamp %q: %w", fields[0], err)
	}

	values := make([]float64, n)
	for i := 0; i < n && i+2 < len(fields); i++ {
		raw := strings.TrimSpace(fields[i+2])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.ChannelSample{}, fmt.Errorf("invalid value for channel %d: %w", i+1, err)
		}
		values[i] = v
	}

	return types.ChannelSample{Timestamp: ts, Values: values}, nil
}

// IsSkippable reports whether err marks a comment or header line rather than a malformed row
func IsSkippable(err error) bool {
	return errors.Is(err, errComment) || errors.Is(err, errHeader)
}
