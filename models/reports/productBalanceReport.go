package reports

import (
	"context"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"github.com/shopspring/decimal"
)

type ProductBalanceReportResponse struct {
	ProductId       int             `json:"productId"`
	ProductName     string          `json:"productName"`
	PoolQuantity    decimal.Decimal `json:"poolQuantity"`
	ManagerQuantity decimal.Decimal `json:"managerQuantity"`
	ReturnBin       decimal.Decimal `json:"returnBin"`
	TotalQuantity   decimal.Decimal `json:"totalQuantity"`
	PoolValue       decimal.Decimal `json:"poolValue"`
}

// GetProductBalanceReport shows, per catalog product, where the quantity
// currently sits: central pool, manager scopes, return bins.
func GetProductBalanceReport(ctx context.Context) ([]*ProductBalanceReportResponse, error) {

	sql := `
SELECT
    p.id AS product_id,
    p.name AS product_name,
    p.quantity AS pool_quantity,
    COALESCE(ms.regular_qty, 0) AS manager_quantity,
    COALESCE(ms.bin_qty, 0) AS return_bin,
    p.quantity + COALESCE(ms.regular_qty, 0) + COALESCE(ms.bin_qty, 0) AS total_quantity,
    p.quantity * p.price AS pool_value
FROM products p
LEFT JOIN (
    SELECT
        product_id,
        SUM(CASE WHEN is_return_bin = 0 THEN quantity ELSE 0 END) AS regular_qty,
        SUM(CASE WHEN is_return_bin = 1 THEN quantity ELSE 0 END) AS bin_qty
    FROM manager_stocks
    GROUP BY product_id
) AS ms ON ms.product_id = p.id
WHERE p.is_archived = 0
ORDER BY p.name;
`

	var results []*ProductBalanceReportResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql).Scan(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
