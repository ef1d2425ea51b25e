package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// ManagerReturn records goods moving from a manager's scope back into the
// central pool. The pool is canonical: a line whose product has no catalog
// row is a not-found error, never an implicit create.
type ManagerReturn struct {
	ID        int                 `gorm:"primary_key" json:"id"`
	ManagerId int                 `gorm:"index;not null" json:"manager_id"`
	Items     []ManagerReturnItem `gorm:"foreignKey:ReturnId" json:"items"`
	CreatedAt time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

type ManagerReturnItem struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ReturnId      int             `gorm:"index;not null" json:"return_id"`
	ProductId     int             `gorm:"index;not null" json:"product_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"quantity"`
	FromReturnBin *bool           `gorm:"not null;default:false" json:"from_return_bin"`
}

type NewManagerReturn struct {
	Items []NewManagerReturnItem `json:"items" binding:"required"`
}

// NewManagerReturnItem defaults to the manager's regular stock; set
// FromReturnBin to hand back goods sitting in the returned-goods bin.
type NewManagerReturnItem struct {
	ProductId     int             `json:"product_id" binding:"required"`
	Quantity      decimal.Decimal `json:"quantity" binding:"required"`
	FromReturnBin bool            `json:"from_return_bin"`
}

type ManagerReturnInfo struct {
	ID        int              `json:"id"`
	ManagerId int              `json:"manager_id"`
	CreatedAt time.Time        `json:"created_at"`
	Items     []ReturnItemInfo `json:"items"`
}

// CreateManagerReturn debits the manager's source rows and credits the pool
// in one transaction. Lines from the regular stock and from the return bin
// are checked against their own balances independently; the complete
// shortage list across both is returned on any shortfall.
func CreateManagerReturn(ctx context.Context, input *NewManagerReturn) (*ManagerReturnInfo, error) {
	db := config.GetDB()

	managerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.NewAuthorizationError("user is required")
	}

	var regular, fromBin []TransferLine
	for _, item := range input.Items {
		line := TransferLine{ProductId: item.ProductId, Quantity: item.Quantity}
		if item.FromReturnBin {
			fromBin = append(fromBin, line)
		} else {
			regular = append(regular, line)
		}
	}
	if err := ValidateTransferLines(append(append([]TransferLine{}, regular...), fromBin...)); err != nil {
		return nil, err
	}
	regular = AggregateTransferLines(regular)
	fromBin = AggregateTransferLines(fromBin)

	releasePool := utils.ScopeLock(ctx, "pool", "managerReturn.go", "CreateManagerReturn")
	defer releasePool()
	release := utils.ScopeLock(ctx, fmt.Sprintf("manager:%d", managerId), "managerReturn.go", "CreateManagerReturn")
	defer release()

	tx := db.WithContext(ctx).Begin()

	// canonical cross-scope lock order: pool rows before manager rows, the
	// same order dispatch acceptance uses, so the two flows cannot deadlock
	// on each other. A line without a catalog row fails not-found here.
	allIds := append(productIdsOf(regular), productIdsOf(fromBin)...)
	pool, err := LockPoolProducts(tx, allIds)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	stocks, err := LockManagerStocks(tx, managerId, productIdsOf(regular), false)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	bins, err := LockManagerStocks(tx, managerId, productIdsOf(fromBin), true)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	names, err := PoolProductNames(tx, allIds)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	shortages := append(
		ManagerShortages(regular, stocks, names),
		ManagerShortages(fromBin, bins, names)...)
	if len(shortages) > 0 {
		tx.Rollback()
		return nil, utils.NewShortageError(shortages)
	}

	apply := func(lines []TransferLine, source map[int]*ManagerStock) error {
		for _, line := range lines {
			if err := debitManagerStock(tx, source[line.ProductId], line.Quantity); err != nil {
				return err
			}
			if err := creditPool(tx, pool[line.ProductId], line.Quantity); err != nil {
				return err
			}
		}
		return nil
	}
	if err := apply(regular, stocks); err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "managerReturn.go", "CreateManagerReturn", err)
	}
	if err := apply(fromBin, bins); err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "managerReturn.go", "CreateManagerReturn", err)
	}

	doc := ManagerReturn{
		ManagerId: managerId,
	}
	for _, item := range input.Items {
		fromReturnBin := item.FromReturnBin
		doc.Items = append(doc.Items, ManagerReturnItem{
			ProductId:     item.ProductId,
			Quantity:      item.Quantity,
			FromReturnBin: &fromReturnBin,
		})
	}
	if err := tx.Create(&doc).Error; err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "managerReturn.go", "CreateManagerReturn", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError(ctx, "managerReturn.go", "CreateManagerReturn", err)
	}

	return composeManagerReturn(ctx, doc.ID)
}

func composeManagerReturn(ctx context.Context, id int) (*ManagerReturnInfo, error) {
	doc, err := utils.FetchModel[ManagerReturn](ctx, id, "Items")
	if err != nil {
		return nil, utils.NewNotFoundError("return not found")
	}
	return composeManagerReturnInfo(ctx, doc)
}

func composeManagerReturnInfo(ctx context.Context, doc *ManagerReturn) (*ManagerReturnInfo, error) {
	db := config.GetDB()

	ids := make([]int, 0, len(doc.Items))
	for _, item := range doc.Items {
		ids = append(ids, item.ProductId)
	}
	names, err := PoolProductNames(db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	info := ManagerReturnInfo{
		ID:        doc.ID,
		ManagerId: doc.ManagerId,
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

func ListManagerReturns(ctx context.Context, managerId int) ([]*ManagerReturnInfo, error) {
	db := config.GetDB()

	role, _ := utils.GetRoleFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)

	dbCtx := db.WithContext(ctx).Model(&ManagerReturn{})
	if role == string(UserRoleManager) {
		dbCtx = dbCtx.Where("manager_id = ?", userId)
	} else if managerId > 0 {
		dbCtx = dbCtx.Where("manager_id = ?", managerId)
	}

	var docs []ManagerReturn
	err := dbCtx.Preload("Items").
		Order("created_at DESC, id DESC").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}

	infos := make([]*ManagerReturnInfo, 0, len(docs))
	for i := range docs {
		info, err := composeManagerReturnInfo(ctx, &docs[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
