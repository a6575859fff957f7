// Package export generates the approval artifact: a ZIP bundle with the
// final response, audit snapshot, line-wise pricing and technical CSVs, an
// XLSX pricing workbook, and a plain-text summary.
package export

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/internal/tracing"
	"github.com/rfp-ignite/reviewd/pkg/models"
)

// Exporter writes approval bundles to a local directory.
type Exporter struct {
	dir    string
	logger *zap.Logger
}

// NewExporter creates an exporter writing into dir.
func NewExporter(dir string, logger *zap.Logger) *Exporter {
	return &Exporter{dir: dir, logger: logger}
}

// Path returns the on-disk location of an RFP's export bundle.
func (e *Exporter) Path(rfpID string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_export.zip", rfpID))
}

// Ref returns the export reference served back to callers. It is stable
// before the bundle exists so it can be recorded alongside the approval.
func (e *Exporter) Ref(rfpID string) string {
	return fmt.Sprintf("/api/rfp/%s/export", rfpID)
}

// Generate writes the export ZIP for an approved review and returns the
// export reference served back to callers. The bundle is written to a temp
// file and renamed so a partially written ZIP is never visible.
func (e *Exporter) Generate(ctx context.Context, rfpID string, final *models.FinalResponse, audit []models.AuditEntry) (string, error) {
	_, span := tracing.StartSpan(ctx, "export.Exporter.Generate")
	defer span.End()

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	target := e.Path(rfpID)
	tmp, err := os.CreateTemp(e.dir, rfpID+"_export_*.tmp")
	if err != nil {
		return "", fmt.Errorf("create export temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	zw := zip.NewWriter(tmp)
	if err := writeBundle(zw, final, audit); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize export zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close export temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("publish export zip: %w", err)
	}

	e.logger.Info("export bundle generated",
		zap.String("rfp_id", rfpID),
		zap.String("path", target),
	)
	return e.Ref(rfpID), nil
}

func writeBundle(zw *zip.Writer, final *models.FinalResponse, audit []models.AuditEntry) error {
	finalJSON, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("encode final response: %w", err)
	}
	if err := writeEntry(zw, "final_response.json", finalJSON); err != nil {
		return err
	}

	auditJSON, err := json.MarshalIndent(audit, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit trail: %w", err)
	}
	if err := writeEntry(zw, "audit_trail.json", auditJSON); err != nil {
		return err
	}

	if err := writePricingCSV(zw, final); err != nil {
		return err
	}
	if err := writeTechnicalCSV(zw, final); err != nil {
		return err
	}
	if err := writePricingXLSX(zw, final); err != nil {
		return err
	}
	return writeEntry(zw, "summary.txt", []byte(summaryText(final)))
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write zip entry %s: %w", name, err)
	}
	return nil
}

var pricingHeader = []string{
	"Line ID", "Description", "Category", "Best SKU", "Quantity", "Unit",
	"Unit Price", "Material Total", "Tests Total", "Grand Total",
}

func writePricingCSV(zw *zip.Writer, final *models.FinalResponse) error {
	w, err := zw.Create("pricing.csv")
	if err != nil {
		return fmt.Errorf("create pricing.csv: %w", err)
	}
	cw := csv.NewWriter(w)

	if err := cw.Write(pricingHeader); err != nil {
		return err
	}
	for _, item := range final.Pricing.LineItems {
		record := []string{
			item.LineID,
			item.Description,
			item.Category,
			item.BestSKU,
			formatFloat(item.Quantity),
			item.Unit,
			formatFloat(item.UnitPrice),
			formatFloat(item.MaterialTotal),
			formatFloat(item.TestsTotal),
			formatFloat(item.GrandTotal),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	totals := final.Pricing.Totals
	// A fully empty record collapses to a blank line that csv readers skip;
	// keep the separator row at header width so it survives a round trip.
	if err := cw.Write(make([]string, len(pricingHeader))); err != nil {
		return err
	}
	if err := cw.Write([]string{
		"TOTALS", "", "", "", "", "", "",
		formatFloat(totals.MaterialTotal),
		formatFloat(totals.TestsTotal),
		formatFloat(totals.OverallTotal),
	}); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func writeTechnicalCSV(zw *zip.Writer, final *models.FinalResponse) error {
	w, err := zw.Create("technical.csv")
	if err != nil {
		return fmt.Errorf("create technical.csv: %w", err)
	}
	cw := csv.NewWriter(w)

	header := []string{
		"Line ID", "Description", "Category", "Best SKU",
		"Top Match 1", "Score 1", "Top Match 2", "Score 2", "Top Match 3", "Score 3",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, rec := range final.TechnicalRecommendations.Recommendations {
		record := []string{rec.LineID, rec.Description, rec.Category, rec.BestSKU}
		for i := 0; i < 3; i++ {
			if i < len(rec.TopMatches) {
				record = append(record, rec.TopMatches[i].SKU, formatFloat(rec.TopMatches[i].Score))
			} else {
				record = append(record, "", "")
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func writePricingXLSX(zw *zip.Writer, final *models.FinalResponse) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Pricing"
	f.SetSheetName("Sheet1", sheet)

	header := make([]any, len(pricingHeader))
	for i, h := range pricingHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	row := 2
	for _, item := range final.Pricing.LineItems {
		values := []any{
			item.LineID, item.Description, item.Category, item.BestSKU,
			item.Quantity, item.Unit, item.UnitPrice,
			item.MaterialTotal, item.TestsTotal, item.GrandTotal,
		}
		cell := fmt.Sprintf("A%d", row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
		row++
	}

	totals := final.Pricing.Totals
	totalRow := []any{
		"TOTALS", "", "", "", "", "", "",
		totals.MaterialTotal, totals.TestsTotal, totals.OverallTotal,
	}
	if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", row+1), &totalRow); err != nil {
		return fmt.Errorf("write xlsx totals: %w", err)
	}

	w, err := zw.Create("pricing.xlsx")
	if err != nil {
		return fmt.Errorf("create pricing.xlsx: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write pricing.xlsx: %w", err)
	}
	return nil
}

func summaryText(final *models.FinalResponse) string {
	totals := final.Pricing.Totals
	return fmt.Sprintf(
		"RFP Review Summary\n"+
			"==================\n"+
			"RFP ID: %s\n"+
			"Buyer: %s\n"+
			"Title: %s\n"+
			"Submission Due Date: %s\n"+
			"Currency: %s\n"+
			"Line Items: %d\n"+
			"Warnings: %d\n"+
			"\n"+
			"Material Total: %.2f\n"+
			"Tests Total: %.2f\n"+
			"Overall Total (margin and tax applied): %.2f\n"+
			"\n"+
			"Approved By: %s\n"+
			"Approved At: %s\n",
		final.RFPID, final.Buyer, final.Title, final.SubmissionDueDate,
		final.Currency, len(final.Pricing.LineItems), len(final.Pricing.Warnings),
		totals.MaterialTotal, totals.TestsTotal, totals.OverallTotal,
		final.ApprovedBy, final.ApprovedAt,
	)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
