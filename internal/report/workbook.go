package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/pkg/types"
)

const (
	featuresSheet = "features"
	dailySheet    = "daily"
)

// writeWorkbook writes the usage ranking and, for aggregated input, every
// aggregate row.
func writeWorkbook(w io.Writer, usage []FeatureCount, agg *table.Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", featuresSheet); err != nil {
		return fmt.Errorf("workbook: %w", err)
	}
	if err := f.SetSheetRow(featuresSheet, "A1", &[]interface{}{types.ColFeatureID, types.ColEvents}); err != nil {
		return fmt.Errorf("workbook: %w", err)
	}
	for i, u := range usage {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("workbook: %w", err)
		}
		if err := f.SetSheetRow(featuresSheet, cell, &[]interface{}{u.FeatureID, u.Events}); err != nil {
			return fmt.Errorf("workbook: %w", err)
		}
	}

	if agg != nil {
		if _, err := f.NewSheet(dailySheet); err != nil {
			return fmt.Errorf("workbook: %w", err)
		}
		cols := agg.Columns()
		header := make([]interface{}, len(cols))
		for i, c := range cols {
			header[i] = c.Name
		}
		if err := f.SetSheetRow(dailySheet, "A1", &header); err != nil {
			return fmt.Errorf("workbook: %w", err)
		}
		row := make([]interface{}, len(cols))
		for r := 0; r < agg.NumRows(); r++ {
			for i, c := range cols {
				row[i] = cellValue(c.Value(r))
			}
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return fmt.Errorf("workbook: %w", err)
			}
			if err := f.SetSheetRow(dailySheet, cell, &row); err != nil {
				return fmt.Errorf("workbook: %w", err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("workbook: write: %w", err)
	}
	return nil
}

func cellValue(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		if t.Equal(t.Truncate(24 * time.Hour)) {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339Nano)
	}
	return v
}
