// Package export writes the level statistics in the same one-decimal form the
// display shows, so an exported file always matches what was on screen.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"sleepywoodpecker/rp-noise-meter/internal/level"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"

	Placeholder = "--"
)

var csvHeader = []string{"Min", "Avg", "Max", "Current"}

type ExportFormatError struct {
	Format string
}

func (e *ExportFormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q (want csv or json)", e.Format)
}

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", &ExportFormatError{Format: s}
}

func (f Format) Filename() string {
	return "noise_level_data." + string(f)
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

// Record is the exported view of a snapshot. Values are preformatted strings.
type Record struct {
	Min     string `json:"minValue"`
	Avg     string `json:"avgValue"`
	Max     string `json:"maxValue"`
	Current string `json:"currentValue"`
	Peak    string `json:"peakValue,omitempty"`
}

// FormatValue is the single place values get rounded for display and export.
func FormatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Placeholder
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// FromSnapshot builds a record. With no measurements every field is the
// placeholder rather than NaN or +Inf.
func FromSnapshot(s level.Snapshot) Record {
	avg, ok := s.Average()
	if !ok {
		return Record{
			Min:     Placeholder,
			Avg:     Placeholder,
			Max:     Placeholder,
			Current: Placeholder,
			Peak:    Placeholder,
		}
	}
	return Record{
		Min:     FormatValue(s.Minimum),
		Avg:     FormatValue(avg),
		Max:     FormatValue(s.Maximum),
		Current: FormatValue(s.Current),
		Peak:    FormatValue(s.Peak),
	}
}

func (r Record) Empty() bool {
	return r.Avg == Placeholder
}

func Write(w io.Writer, f Format, r Record) error {
	switch f {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		if err := cw.Write([]string{r.Min, r.Avg, r.Max, r.Current}); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON:
		return json.NewEncoder(w).Encode(r)
	}
	return &ExportFormatError{Format: string(f)}
}

// Parse reads an artifact produced by Write back into a record. The CSV
// layout carries no peak column.
func Parse(rd io.Reader, f Format) (Record, error) {
	switch f {
	case FormatCSV:
		rows, err := csv.NewReader(rd).ReadAll()
		if err != nil {
			return Record{}, err
		}
		if len(rows) != 2 || len(rows[1]) != len(csvHeader) {
			return Record{}, fmt.Errorf("expected header and one row of %d fields", len(csvHeader))
		}
		for i, name := range csvHeader {
			if rows[0][i] != name {
				return Record{}, fmt.Errorf("unexpected column %q at %d", rows[0][i], i)
			}
		}
		row := rows[1]
		return Record{Min: row[0], Avg: row[1], Max: row[2], Current: row[3]}, nil
	case FormatJSON:
		var r Record
		if err := json.NewDecoder(rd).Decode(&r); err != nil {
			return Record{}, err
		}
		return r, nil
	}
	return Record{}, &ExportFormatError{Format: string(f)}
}
