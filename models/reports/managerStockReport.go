package reports

import (
	"context"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/models"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

type ManagerStockReportResponse struct {
	ProductId   int             `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	StockValue  decimal.Decimal `json:"stockValue"`
	IsReturnBin bool            `json:"isReturnBin"`
}

// GetManagerStockReport values one manager's balances at the price the
// goods entered the scope at, return bin rows included.
func GetManagerStockReport(ctx context.Context, managerId int) ([]*ManagerStockReportResponse, error) {

	sql := `
SELECT
    ms.product_id,
    products.name AS product_name,
    ms.quantity,
    ms.price,
    ms.quantity * ms.price AS stock_value,
    ms.is_return_bin
FROM manager_stocks ms
JOIN products ON products.id = ms.product_id
WHERE ms.manager_id = @managerId
ORDER BY ms.is_return_bin, products.name;
`

	count, err := utils.ResourceCountWhere[models.User](ctx, "id = ? AND role = ?", managerId, models.UserRoleManager)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, utils.NewNotFoundError("manager not found")
	}

	var results []*ManagerStockReportResponse
	db := config.GetDB()
	err = db.WithContext(ctx).
		Raw(sql, map[string]interface{}{"managerId": managerId}).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
