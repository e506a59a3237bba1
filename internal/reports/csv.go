// Package reports reads the CSV exports produced by the tracking portal and
// reads/writes the derived idle-points table.
package reports

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// table is a header-indexed view over CSV records.
type table struct {
	idx  map[string]int
	rows [][]string
}

func readTable(r io.Reader) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &table{idx: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &table{idx: map[string]int{}}
	for i, h := range header {
		t.idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

func openTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return readTable(f)
}

func (t *table) get(row []string, col string) string {
	i, ok := t.idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02-01-2006 15:04:05",
	"02/01/2006 15:04:05",
	"02-01-2006 15:04",
	"2006-01-02",
}

// ParseTime parses a report timestamp in loc. Unparsable input yields the zero time.
func ParseTime(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "nat") {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseFloat returns NaN for anything that is not a number.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// parseCount treats blanks and garbage as zero.
func parseCount(s string) int {
	v := parseFloat(s)
	if math.IsNaN(v) {
		return 0
	}
	return int(v)
}

// ParseDuration accepts "HH:MM:SS", "N days HH:MM:SS" and Go duration strings.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var days int
	if i := strings.Index(s, "day"); i > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[:i]))
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		days = n
		rest := strings.TrimSpace(s[i:])
		rest = strings.TrimPrefix(rest, "days")
		rest = strings.TrimPrefix(rest, "day")
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ","))
		s = rest
		if s == "" {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	parts := strings.Split(s, ":")
	if len(parts) == 3 || len(parts) == 2 {
		var total time.Duration
		h, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		m, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		total = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if len(parts) == 3 {
			sec, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				return 0, fmt.Errorf("bad duration %q", s)
			}
			total += time.Duration(sec * float64(time.Second))
		}
		return total + time.Duration(days)*24*time.Hour, nil
	}
	if days > 0 {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return time.ParseDuration(s)
}

// FormatClock renders d as HH:MM:SS.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}
