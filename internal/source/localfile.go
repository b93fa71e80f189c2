package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LocalFile reads bundled JSON, GeoJSON, or CSV data shipped with the deployment.
type LocalFile struct{}

// NewLocalFile returns a LocalFile adapter.
func NewLocalFile() *LocalFile {
	return &LocalFile{}
}

// Load parses path into raw records. A missing file is ErrConfig: there is no deeper fallback.
func (l *LocalFile) Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: local file %s not found", ErrConfig, path)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		records, err := decodeCSV(data)
		if err != nil {
			return nil, fmt.Errorf("local file %s: %w", path, err)
		}
		return records, nil
	case ".json", ".geojson":
		records, err := decodeRecords(data, true)
		if err != nil {
			return nil, fmt.Errorf("local file %s: %w", path, err)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("%w: unsupported local file type %q", ErrConfig, filepath.Ext(path))
	}
}

// decodeCSV treats the first row as a header when none of its cells is numeric.
// Header rows key each record's attributes; Row always carries the raw cells.
func decodeCSV(data []byte) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var (
		header  []string
		records []Record
		first   = true
	)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv: %w", ErrParse, err)
		}
		if first {
			first = false
			if isHeaderRow(row) {
				header = row
				continue
			}
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		rec := Record{Kind: KindCSVRow, Row: row}
		if header != nil {
			rec.Attributes = make(map[string]any, len(header))
			for i, name := range header {
				if i < len(row) {
					rec.Attributes[strings.TrimSpace(name)] = strings.TrimSpace(row[i])
				}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func isHeaderRow(row []string) bool {
	for _, cell := range row {
		if _, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err == nil {
			return false
		}
	}
	return true
}
