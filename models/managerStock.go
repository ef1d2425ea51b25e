package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"github.com/shopspring/decimal"
)

// ManagerStock is one manager-scope balance of a catalog product. Normal
// stock and the returned-goods holding area are separate rows distinguished
// by IsReturnBin; each carries its own quantity and the price the goods
// entered the scope at.
type ManagerStock struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ManagerId   int             `gorm:"index;not null;uniqueIndex:uq_manager_stock" json:"manager_id"`
	ProductId   int             `gorm:"index;not null;uniqueIndex:uq_manager_stock" json:"product_id"`
	Product     Product         `json:"product"`
	Quantity    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"price"`
	IsReturnBin *bool           `gorm:"not null;default:false;uniqueIndex:uq_manager_stock" json:"is_return_bin"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ManagerStockInfo struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	IsReturnBin bool            `json:"is_return_bin"`
}

// GetManagerStocks lists a manager's balances joined to the catalog,
// optionally filtered by name fragment and by bin.
func GetManagerStocks(ctx context.Context, managerId int, q string, returnBin bool) ([]*ManagerStockInfo, error) {
	db := config.GetDB()

	dbCtx := db.WithContext(ctx).
		Model(&ManagerStock{}).
		Select("manager_stocks.product_id, products.name AS product_name, manager_stocks.quantity, manager_stocks.price, manager_stocks.is_return_bin").
		Joins("JOIN products ON products.id = manager_stocks.product_id").
		Where("manager_stocks.manager_id = ?", managerId).
		Where("manager_stocks.is_return_bin = ?", returnBin).
		Where("products.is_archived = ?", false)
	if strings.TrimSpace(q) != "" {
		dbCtx = dbCtx.Where("products.name LIKE ?", "%"+q+"%")
	}

	var stocks []*ManagerStockInfo
	err := dbCtx.Order("products.name ASC").Limit(config.SearchLimit).Scan(&stocks).Error
	if err != nil {
		return nil, err
	}
	return stocks, nil
}
