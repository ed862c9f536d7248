package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// timeLayout is the cell format for timestamps.
const timeLayout = time.RFC3339Nano

// loadSheet reads the first sheet of an xlsx file into one map per row,
// keyed by the header row. A missing file yields no rows and no error.
// Missing cells are coerced to empty strings so the interior never sees
// partial rows.
func loadSheet(path string) ([]map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets in %s", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("get rows for %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			} else {
				record[col] = ""
			}
		}
		records = append(records, record)
	}

	return records, nil
}

// saveSheet writes a header row plus one row per record to an xlsx file.
// The file is written to a temp file in the same directory and renamed
// over the target so readers never observe a partial write.
func saveSheet(path string, header []string, records []map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)

	headerRow := make([]interface{}, len(header))
	for i, col := range header {
		headerRow[i] = col
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for r, record := range records {
		row := make([]interface{}, len(header))
		for i, col := range header {
			row[i] = record[col]
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", r, err)
		}
	}

	tmp := fmt.Sprintf("%s.%d.tmp.xlsx", path, time.Now().UnixMilli())
	if err := f.SaveAs(tmp); err != nil {
		return fmt.Errorf("save %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}

	return nil
}

// Cell conversion helpers. Loaders coerce malformed cells to zero values
// rather than failing row-by-row; a structurally corrupt file still fails
// loudly in loadSheet.

func cellBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func cellInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func cellTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
