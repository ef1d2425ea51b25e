package reports

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xuri/excelize/v2"
)

// WriteManagerSummaryExcel streams the manager summary as an xlsx
// attachment. Decimal cells are written as their string form so the
// spreadsheet shows exactly what the API reports.
func WriteManagerSummaryExcel(ctx context.Context, w http.ResponseWriter, managerId int) error {
	data, err := GetManagerSummaryReport(ctx, managerId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Sheet1"
	headers := []string{
		"Manager", "StockValue", "ReturnBinQty", "Orders",
		"GoodsTotal", "PaidTotal", "DebtTotal", "PendingSupply",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for i, d := range data {
		row := i + 2
		f.SetCellValue(sheet, "A"+fmt.Sprint(row), d.ManagerName)
		f.SetCellValue(sheet, "B"+fmt.Sprint(row), d.StockValue.String())
		f.SetCellValue(sheet, "C"+fmt.Sprint(row), d.ReturnBin.String())
		f.SetCellValue(sheet, "D"+fmt.Sprint(row), d.OrderCount)
		f.SetCellValue(sheet, "E"+fmt.Sprint(row), d.GoodsTotal.String())
		f.SetCellValue(sheet, "F"+fmt.Sprint(row), d.PaidTotal.String())
		f.SetCellValue(sheet, "G"+fmt.Sprint(row), d.DebtTotal.String())
		f.SetCellValue(sheet, "H"+fmt.Sprint(row), d.PendingSupply.String())
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=manager-summary.xlsx")
	return f.Write(w)
}
