package reports

import (
	"context"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"github.com/shopspring/decimal"
)

type ManagerSummaryReportResponse struct {
	ManagerId     int             `json:"managerId"`
	ManagerName   string          `json:"managerName"`
	StockValue    decimal.Decimal `json:"stockValue"`
	ReturnBin     decimal.Decimal `json:"returnBin"`
	OrderCount    int             `json:"orderCount"`
	GoodsTotal    decimal.Decimal `json:"goodsTotal"`
	PaidTotal     decimal.Decimal `json:"paidTotal"`
	DebtTotal     decimal.Decimal `json:"debtTotal"`
	PendingSupply decimal.Decimal `json:"pendingSupply"`
}

// GetManagerSummaryReport is the admin's one-row-per-manager overview:
// stock on hand valued at entry price, order economics, outstanding debt
// and goods still sitting in pending dispatches. Pass managerId 0 for all
// managers.
func GetManagerSummaryReport(ctx context.Context, managerId int) ([]*ManagerSummaryReportResponse, error) {

	sql := `
SELECT
    u.id AS manager_id,
    COALESCE(NULLIF(u.full_name, ''), u.username) AS manager_name,
    COALESCE(st.stock_value, 0) AS stock_value,
    COALESCE(st.return_bin, 0) AS return_bin,
    COALESCE(ord.order_count, 0) AS order_count,
    COALESCE(ord.goods_total, 0) AS goods_total,
    COALESCE(ord.paid_total, 0) AS paid_total,
    COALESCE(ord.debt_total, 0) AS debt_total,
    COALESCE(pend.pending_supply, 0) AS pending_supply
FROM users u
LEFT JOIN (
    SELECT
        manager_id,
        SUM(CASE WHEN is_return_bin = 0 THEN quantity * price ELSE 0 END) AS stock_value,
        SUM(CASE WHEN is_return_bin = 1 THEN quantity ELSE 0 END) AS return_bin
    FROM manager_stocks
    GROUP BY manager_id
) AS st ON st.manager_id = u.id
LEFT JOIN (
    SELECT
        so.manager_id,
        COUNT(DISTINCT so.id) AS order_count,
        SUM(sp.goods_total) AS goods_total,
        SUM(sp.paid) AS paid_total,
        SUM(sp.debt) AS debt_total
    FROM shop_orders so
    JOIN shop_order_payments sp ON sp.order_id = so.id
    GROUP BY so.manager_id
) AS ord ON ord.manager_id = u.id
LEFT JOIN (
    SELECT
        d.manager_id,
        SUM(di.quantity * di.price) AS pending_supply
    FROM dispatches d
    JOIN dispatch_items di ON di.dispatch_id = d.id
    WHERE d.status = 'pending'
    GROUP BY d.manager_id
) AS pend ON pend.manager_id = u.id
WHERE u.role = 'manager'
  AND (@managerId = 0 OR u.id = @managerId)
ORDER BY manager_name;
`

	var results []*ManagerSummaryReportResponse
	db := config.GetDB()
	err := db.WithContext(ctx).
		Raw(sql, map[string]interface{}{"managerId": managerId}).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
