package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// ShopOrder is a manager-to-shop delivery document. Bonus lines leave the
// manager's stock like any other line but are excluded from the billable
// goods total. Exactly one payment row is attached at creation.
type ShopOrder struct {
	ID        int               `gorm:"primary_key" json:"id"`
	ManagerId int               `gorm:"index;not null" json:"manager_id"`
	ShopId    int               `gorm:"index;not null" json:"shop_id"`
	Items     []ShopOrderItem   `gorm:"foreignKey:OrderId" json:"items"`
	Payment   *ShopOrderPayment `gorm:"foreignKey:OrderId" json:"payment"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

type ShopOrderItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	OrderId   int             `gorm:"index;not null" json:"order_id"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	IsBonus   *bool           `gorm:"not null;default:false" json:"is_bonus"`
}

type ShopOrderPayment struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OrderId       int             `gorm:"uniqueIndex;not null" json:"order_id"`
	GoodsTotal    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"goods_total"`
	ReturnsAmount decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"returns_amount"`
	Payable       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"payable"`
	Paid          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"paid"`
	Debt          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"debt"`
}

type NewShopOrder struct {
	ShopId        int                `json:"shop_id" binding:"required"`
	Items         []NewShopOrderItem `json:"items" binding:"required"`
	ReturnsAmount decimal.Decimal    `json:"returns_amount"`
	PaidAmount    decimal.Decimal    `json:"paid_amount"`
}

// NewShopOrderItem leaves Price optional; a nil price falls back to the
// price currently on the manager's stock row for that product.
type NewShopOrderItem struct {
	ProductId int              `json:"product_id" binding:"required"`
	Quantity  decimal.Decimal  `json:"quantity" binding:"required"`
	Price     *decimal.Decimal `json:"price"`
	IsBonus   bool             `json:"is_bonus"`
}

type ShopOrderItemInfo struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	IsBonus     bool            `json:"is_bonus"`
}

type ShopOrderInfo struct {
	ID        int                 `json:"id"`
	ManagerId int                 `json:"manager_id"`
	ShopId    int                 `json:"shop_id"`
	ShopName  string              `json:"shop_name"`
	CreatedAt time.Time           `json:"created_at"`
	Items     []ShopOrderItemInfo `json:"items"`
	Payment   ShopOrderPayment    `json:"payment"`
}

// ComputeShopOrderPayment derives the payment figures from the billable
// goods total. Payable and debt are clamped at zero, so an over-deduction
// or over-payment never produces a negative balance.
func ComputeShopOrderPayment(goodsTotal, returnsAmount, paid decimal.Decimal) ShopOrderPayment {
	payable := goodsTotal.Sub(returnsAmount)
	if payable.IsNegative() {
		payable = decimal.Zero
	}
	debt := payable.Sub(paid)
	if debt.IsNegative() {
		debt = decimal.Zero
	}
	return ShopOrderPayment{
		GoodsTotal:    goodsTotal,
		ReturnsAmount: returnsAmount,
		Payable:       payable,
		Paid:          paid,
		Debt:          debt,
	}
}

func (input *NewShopOrder) transferLines() ([]TransferLine, error) {
	lines := make([]TransferLine, 0, len(input.Items))
	for _, item := range input.Items {
		lines = append(lines, TransferLine{
			ProductId: item.ProductId,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	if err := ValidateTransferLines(lines); err != nil {
		return nil, err
	}
	if input.ReturnsAmount.IsNegative() {
		return nil, utils.NewValidationError("returns amount cannot be negative")
	}
	if input.PaidAmount.IsNegative() {
		return nil, utils.NewValidationError("paid amount cannot be negative")
	}
	return lines, nil
}

// CreateShopOrder debits the acting manager's regular stock for every line,
// bonus lines included, then persists the document with its payment row.
// All shortfalls across all lines are reported together and nothing moves
// when any line is short.
func CreateShopOrder(ctx context.Context, input *NewShopOrder) (*ShopOrderInfo, error) {
	db := config.GetDB()

	shop, err := fetchOwnedShop(ctx, input.ShopId)
	if err != nil {
		return nil, err
	}
	managerId := shop.ManagerId

	lines, err := input.transferLines()
	if err != nil {
		return nil, err
	}
	aggregated := AggregateTransferLines(lines)
	productIds := productIdsOf(aggregated)

	release := utils.ScopeLock(ctx, fmt.Sprintf("manager:%d", managerId), "shopOrder.go", "CreateShopOrder")
	defer release()

	tx := db.WithContext(ctx).Begin()

	stocks, err := LockManagerStocks(tx, managerId, productIds, false)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	names, err := PoolProductNames(tx, productIds)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if shortages := ManagerShortages(aggregated, stocks, names); len(shortages) > 0 {
		tx.Rollback()
		return nil, utils.NewShortageError(shortages)
	}

	for _, line := range aggregated {
		if err := debitManagerStock(tx, stocks[line.ProductId], line.Quantity); err != nil {
			tx.Rollback()
			return nil, storageError(ctx, "shopOrder.go", "CreateShopOrder", err)
		}
	}

	goodsTotal := decimal.Zero
	order := ShopOrder{
		ManagerId: managerId,
		ShopId:    shop.ID,
	}
	for _, item := range input.Items {
		price := stocks[item.ProductId].Price
		if item.Price != nil {
			price = *item.Price
		}
		if !item.IsBonus {
			goodsTotal = goodsTotal.Add(price.Mul(item.Quantity))
		}
		isBonus := item.IsBonus
		order.Items = append(order.Items, ShopOrderItem{
			ProductId: item.ProductId,
			Quantity:  item.Quantity,
			Price:     price,
			IsBonus:   &isBonus,
		})
	}
	payment := ComputeShopOrderPayment(goodsTotal, input.ReturnsAmount, input.PaidAmount)
	order.Payment = &payment

	if err := tx.Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "shopOrder.go", "CreateShopOrder", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError(ctx, "shopOrder.go", "CreateShopOrder", err)
	}

	return composeShopOrder(ctx, order.ID)
}

type ShopOrderFilter struct {
	ManagerId int
	ShopId    int
}

func ListShopOrders(ctx context.Context, filter ShopOrderFilter) ([]*ShopOrderInfo, error) {
	db := config.GetDB()

	role, _ := utils.GetRoleFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)

	dbCtx := db.WithContext(ctx).Model(&ShopOrder{})
	if role == string(UserRoleManager) {
		dbCtx = dbCtx.Where("manager_id = ?", userId)
	} else if filter.ManagerId > 0 {
		dbCtx = dbCtx.Where("manager_id = ?", filter.ManagerId)
	}
	if filter.ShopId > 0 {
		dbCtx = dbCtx.Where("shop_id = ?", filter.ShopId)
	}

	var orders []ShopOrder
	err := dbCtx.Preload("Items").Preload("Payment").
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}

	infos := make([]*ShopOrderInfo, 0, len(orders))
	for i := range orders {
		info, err := composeShopOrderInfo(ctx, &orders[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func composeShopOrder(ctx context.Context, id int) (*ShopOrderInfo, error) {
	order, err := utils.FetchModel[ShopOrder](ctx, id, "Items", "Payment")
	if err != nil {
		return nil, utils.NewNotFoundError("order not found")
	}
	return composeShopOrderInfo(ctx, order)
}

func composeShopOrderInfo(ctx context.Context, order *ShopOrder) (*ShopOrderInfo, error) {
	db := config.GetDB()

	ids := make([]int, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductId)
	}
	names, err := PoolProductNames(db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	shopName := ""
	var shop Shop
	if err := db.WithContext(ctx).First(&shop, order.ShopId).Error; err == nil {
		shopName = shop.Name
	}

	info := ShopOrderInfo{
		ID:        order.ID,
		ManagerId: order.ManagerId,
		ShopId:    order.ShopId,
		ShopName:  shopName,
		CreatedAt: order.CreatedAt,
	}
	if order.Payment != nil {
		info.Payment = *order.Payment
	}
	for _, item := range order.Items {
		isBonus := item.IsBonus != nil && *item.IsBonus
		info.Items = append(info.Items, ShopOrderItemInfo{
			ProductId:   item.ProductId,
			ProductName: names[item.ProductId],
			Quantity:    item.Quantity,
			Price:       item.Price,
			IsBonus:     isBonus,
		})
	}
	return &info, nil
}
