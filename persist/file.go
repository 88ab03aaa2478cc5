// Package persist keeps the append-only daily CSV log of captured samples.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "log_"
	fileSuffix = ".csv"
	dateLayout = "2006-01-02"
)

// DailyFile is one persisted log file and the calendar date in its name
type DailyFile struct {
	Path string
	Date time.Time
}

// FileName returns the log file name for the calendar date of t
func FileName(t time.Time) string {
	return filePrefix + t.Format(dateLayout) + fileSuffix
}

// ParseFileName extracts the date from a log file name such as log_2024-05-01.csv
func ParseFileName(name string) (time.Time, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ListFiles returns every log file in dir sorted by date
func ListFiles(dir string) ([]DailyFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list log directory %s: %w", dir, err)
	}

	var files []DailyFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		d, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, DailyFile{Path: filepath.Join(dir, e.Name()), Date: d})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Date.Before(files[j].Date)
	})
	return files, nil
}

// FilesBetween returns log files dated within [from, to], compared by calendar date only
func FilesBetween(dir string, from, to time.Time) ([]DailyFile, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}

	first, last := dayOf(from), dayOf(to)
	var out []DailyFile
	for _, f := range files {
		if f.Date.Before(first) || f.Date.After(last) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func dayOf(t time.Time) time.Time {
	t = t.In(time.Local)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}
