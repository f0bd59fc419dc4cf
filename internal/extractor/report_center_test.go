package extractor

import (
	"os"
	"path/filepath"
	"testing"

	"collectoragent/internal/config"
)

func writeCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create csv: %v", err)
	}
	defer f.Close()
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				f.WriteString(",")
			}
			f.WriteString(cell)
		}
		f.WriteString("\n")
	}
	return path
}

func TestParseSpreadsheetUsesColumnMapNotIndexOrder(t *testing.T) {
	columns := []config.MetricColumn{
		{Code: "gmv", Field: "gross_merchandise_value", ColumnIndex: 2},
		{Code: "orders", Field: "order_count", ColumnIndex: 0},
	}
	path := writeCSV(t, [][]string{
		{"orders", "ignored_col", "gmv"},
		{"10", "ignored", "500.00"},
	})
	e := &ReportCenterExtractor{columns: columns}

	rows, err := e.parseSpreadsheet(path)
	if err != nil {
		t.Fatalf("parseSpreadsheet: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["order_count"] != "10" {
		t.Errorf("expected order_count mapped from column 0, got %v", rows[0]["order_count"])
	}
	if rows[0]["gross_merchandise_value"] != "500.00" {
		t.Errorf("expected gross_merchandise_value mapped from column 2, got %v", rows[0]["gross_merchandise_value"])
	}
}

func TestParseSpreadsheetAppliesCouponFilter(t *testing.T) {
	columns := []config.MetricColumn{
		{Code: "coupon_type", Field: "coupon_type", ColumnIndex: 0},
		{Code: "amount", Field: "amount", ColumnIndex: 1},
	}
	path := writeCSV(t, [][]string{
		{"coupon_type", "amount"},
		{"All Codes", "100"},
		{"Platform Codes", "50"},
		{"All Codes", "75"},
	})
	e := &ReportCenterExtractor{columns: columns, couponFilter: "All Codes"}

	rows, err := e.parseSpreadsheet(path)
	if err != nil {
		t.Fatalf("parseSpreadsheet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected coupon filter to keep only 2 rows, got %d: %v", len(rows), rows)
	}
	for _, row := range rows {
		if row["coupon_type"] != "All Codes" {
			t.Errorf("expected only 'All Codes' rows to survive the filter, got %v", row["coupon_type"])
		}
	}
}

func TestParseSpreadsheetNoFilterKeepsAllRows(t *testing.T) {
	columns := []config.MetricColumn{
		{Code: "coupon_type", Field: "coupon_type", ColumnIndex: 0},
	}
	path := writeCSV(t, [][]string{
		{"coupon_type"},
		{"All Codes"},
		{"Platform Codes"},
	})
	e := &ReportCenterExtractor{columns: columns, couponFilter: ""}

	rows, err := e.parseSpreadsheet(path)
	if err != nil {
		t.Fatalf("parseSpreadsheet: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected no filtering when couponFilter is empty, got %d rows", len(rows))
	}
	for _, row := range rows {
		if row["coupon_type"] == "coupon_type" {
			t.Errorf("expected the header row to be excluded from parsed data, got %v", row)
		}
	}
}

func TestParseSpreadsheetRejectsHeaderOnlyFile(t *testing.T) {
	path := writeCSV(t, [][]string{{"coupon_type"}})
	e := &ReportCenterExtractor{}
	if _, err := e.parseSpreadsheet(path); err == nil {
		t.Error("expected an error for a spreadsheet with only a header row and no data")
	}
}

func TestColumnIndexLooksUpByCode(t *testing.T) {
	e := &ReportCenterExtractor{columns: []config.MetricColumn{
		{Code: "coupon_type", ColumnIndex: 3},
		{Code: "gmv", ColumnIndex: 1},
	}}
	if idx := e.columnIndex("coupon_type"); idx != 3 {
		t.Errorf("expected index 3 for coupon_type, got %d", idx)
	}
	if idx := e.columnIndex("missing"); idx != -1 {
		t.Errorf("expected -1 for an unknown code, got %d", idx)
	}
}

func TestParseSpreadsheetRejectsEmptyFile(t *testing.T) {
	path := writeCSV(t, nil)
	e := &ReportCenterExtractor{}
	if _, err := e.parseSpreadsheet(path); err == nil {
		t.Error("expected an error for a spreadsheet with no rows")
	}
}
