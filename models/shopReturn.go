package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// ShopReturn records goods coming back from a shop into the manager's
// returned-goods bin. The manager's regular stock is debited and the bin
// row is credited, so returned goods stay visible in the manager's scope
// but never mix with sellable stock.
type ShopReturn struct {
	ID        int              `gorm:"primary_key" json:"id"`
	ManagerId int              `gorm:"index;not null" json:"manager_id"`
	ShopId    int              `gorm:"index;not null" json:"shop_id"`
	Items     []ShopReturnItem `gorm:"foreignKey:ReturnId" json:"items"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type ShopReturnItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ReturnId  int             `gorm:"index;not null" json:"return_id"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"quantity"`
}

type NewShopReturn struct {
	ShopId int                 `json:"shop_id" binding:"required"`
	Items  []NewShopReturnItem `json:"items" binding:"required"`
}

type NewShopReturnItem struct {
	ProductId int             `json:"product_id" binding:"required"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
}

type ReturnItemInfo struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type ShopReturnInfo struct {
	ID        int              `json:"id"`
	ManagerId int              `json:"manager_id"`
	ShopId    int              `json:"shop_id"`
	ShopName  string           `json:"shop_name"`
	CreatedAt time.Time        `json:"created_at"`
	Items     []ReturnItemInfo `json:"items"`
}

func returnTransferLines[T any](items []T, line func(T) TransferLine) ([]TransferLine, error) {
	lines := make([]TransferLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, line(item))
	}
	if err := ValidateTransferLines(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// CreateShopReturn moves goods out of the manager's sellable stock into the
// return bin and writes the document, all in one transaction. Every short
// line is reported together and nothing moves when any line is short.
func CreateShopReturn(ctx context.Context, input *NewShopReturn) (*ShopReturnInfo, error) {
	db := config.GetDB()

	shop, err := fetchOwnedShop(ctx, input.ShopId)
	if err != nil {
		return nil, err
	}
	managerId := shop.ManagerId

	lines, err := returnTransferLines(input.Items, func(item NewShopReturnItem) TransferLine {
		return TransferLine{ProductId: item.ProductId, Quantity: item.Quantity}
	})
	if err != nil {
		return nil, err
	}
	aggregated := AggregateTransferLines(lines)
	productIds := productIdsOf(aggregated)

	release := utils.ScopeLock(ctx, fmt.Sprintf("manager:%d", managerId), "shopReturn.go", "CreateShopReturn")
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

	bins, err := LockManagerStocks(tx, managerId, productIds, true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, line := range aggregated {
		source := stocks[line.ProductId]
		if err := debitManagerStock(tx, source, line.Quantity); err != nil {
			tx.Rollback()
			return nil, storageError(ctx, "shopReturn.go", "CreateShopReturn", err)
		}
		// returned goods keep the price they entered the scope at
		if err := creditManagerStock(tx, bins, managerId, line.ProductId, line.Quantity, source.Price, true); err != nil {
			tx.Rollback()
			return nil, storageError(ctx, "shopReturn.go", "CreateShopReturn", err)
		}
	}

	doc := ShopReturn{
		ManagerId: managerId,
		ShopId:    shop.ID,
	}
	for _, item := range input.Items {
		doc.Items = append(doc.Items, ShopReturnItem{
			ProductId: item.ProductId,
			Quantity:  item.Quantity,
		})
	}
	if err := tx.Create(&doc).Error; err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "shopReturn.go", "CreateShopReturn", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError(ctx, "shopReturn.go", "CreateShopReturn", err)
	}

	return composeShopReturn(ctx, doc.ID)
}

func composeShopReturn(ctx context.Context, id int) (*ShopReturnInfo, error) {
	doc, err := utils.FetchModel[ShopReturn](ctx, id, "Items")
	if err != nil {
		return nil, utils.NewNotFoundError("return not found")
	}
	return composeShopReturnInfo(ctx, doc)
}

func composeShopReturnInfo(ctx context.Context, doc *ShopReturn) (*ShopReturnInfo, error) {
	db := config.GetDB()

	ids := make([]int, 0, len(doc.Items))
	for _, item := range doc.Items {
		ids = append(ids, item.ProductId)
	}
	names, err := PoolProductNames(db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	shopName := ""
	var shop Shop
	if err := db.WithContext(ctx).First(&shop, doc.ShopId).Error; err == nil {
		shopName = shop.Name
	}

	info := ShopReturnInfo{
		ID:        doc.ID,
		ManagerId: doc.ManagerId,
		ShopId:    doc.ShopId,
		ShopName:  shopName,
		CreatedAt: doc.CreatedAt,
	}
	for _, item := range doc.Items {
		info.Items = append(info.Items, ReturnItemInfo{
			ProductId:   item.ProductId,
			ProductName: names[item.ProductId],
			Quantity:    item.Quantity,
		})
	}
	return &info, nil
}

// ListShopReturns is role-aware like the other document lists.
func ListShopReturns(ctx context.Context, managerId int) ([]*ShopReturnInfo, error) {
	db := config.GetDB()

	role, _ := utils.GetRoleFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)

	dbCtx := db.WithContext(ctx).Model(&ShopReturn{})
	if role == string(UserRoleManager) {
		dbCtx = dbCtx.Where("manager_id = ?", userId)
	} else if managerId > 0 {
		dbCtx = dbCtx.Where("manager_id = ?", managerId)
	}

	var docs []ShopReturn
	err := dbCtx.Preload("Items").
		Order("created_at DESC, id DESC").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}

	infos := make([]*ShopReturnInfo, 0, len(docs))
	for i := range docs {
		info, err := composeShopReturnInfo(ctx, &docs[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
