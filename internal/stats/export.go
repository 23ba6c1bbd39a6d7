package stats

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"readbot/internal/clock"
)

const (
	sheetDaily   = "Daily"
	sheetMonthly = "Monthly"
	sheetOverall = "Overall"
)

// ExportXLSX writes every stored stat row (unscoped) as an Excel workbook.
func (e *Engine) ExportXLSX(ctx context.Context, w io.Writer) error {
	daily, err := e.ListDailyStats(ctx, clock.Date{}, clock.Date{})
	if err != nil {
		return err
	}
	monthly, err := e.ListMonthlyStats(ctx)
	if err != nil {
		return err
	}
	overall, err := e.ListOverallStats(ctx)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	f.SetSheetName(f.GetSheetName(0), sheetDaily)
	for _, name := range []string{sheetMonthly, sheetOverall} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("export: new sheet %s: %w", name, err)
		}
	}

	rows := [][]any{{"Date", "Members", "Completed", "Rate %"}}
	for _, d := range daily {
		rows = append(rows, []any{d.Date.String(), d.TotalMembers, d.CompletedCount, d.CompletionRate})
	}
	if err := writeRows(f, sheetDaily, rows); err != nil {
		return err
	}

	rows = [][]any{{"Year", "Month", "Reading days", "Completions", "Average rate %", "Days in month"}}
	for _, m := range monthly {
		rows = append(rows, []any{m.Year, int(m.Month), m.ReadingDays, m.TotalCompletions, m.AverageRate, m.TotalDaysInMonth})
	}
	if err := writeRows(f, sheetMonthly, rows); err != nil {
		return err
	}

	rows = [][]any{{"Start", "End", "Days", "Readings", "Completions", "Average rate %", "Top participants"}}
	for _, o := range overall {
		names := make([]string, 0, len(o.TopParticipants))
		for _, p := range o.TopParticipants {
			names = append(names, fmt.Sprintf("%s (%d)", p.DisplayName(), p.Count))
		}
		rows = append(rows, []any{o.StartDate.String(), o.EndDate.String(), o.TotalDays, o.TotalReadings,
			o.TotalCompletions, o.AverageRate, strings.Join(names, ", ")})
	}
	if err := writeRows(f, sheetOverall, rows); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("export: write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("export: %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
