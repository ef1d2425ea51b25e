package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// Incoming is an admin restock of the central pool: an immutable document
// plus the matching pool credits, written in one transaction.
type Incoming struct {
	ID               int            `gorm:"primary_key" json:"id"`
	CreatedByAdminId int            `gorm:"index;not null" json:"created_by_admin_id"`
	Items            []IncomingItem `gorm:"foreignKey:IncomingId" json:"items"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

type IncomingItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	IncomingId  int             `gorm:"index;not null" json:"incoming_id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"quantity"`
	PriceAtTime decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price_at_time"`
}

type NewIncoming struct {
	Items []NewIncomingItem `json:"items" binding:"required"`
}

type NewIncomingItem struct {
	ProductId   int             `json:"product_id" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	PriceAtTime decimal.Decimal `json:"price_at_time" binding:"required"`
}

type IncomingItemInfo struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
}

type IncomingInfo struct {
	ID        int                `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Items     []IncomingItemInfo `json:"items"`
}

func (input *NewIncoming) transferLines() ([]TransferLine, error) {
	lines := make([]TransferLine, 0, len(input.Items))
	for _, item := range input.Items {
		if !item.PriceAtTime.IsPositive() {
			return nil, utils.NewValidationError("price must be greater than zero")
		}
		price := item.PriceAtTime
		lines = append(lines, TransferLine{
			ProductId: item.ProductId,
			Quantity:  item.Quantity,
			Price:     &price,
		})
	}
	if err := ValidateTransferLines(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func CreateIncoming(ctx context.Context, input *NewIncoming) (*Incoming, error) {
	db := config.GetDB()

	adminId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.NewAuthorizationError("user is required")
	}

	lines, err := input.transferLines()
	if err != nil {
		return nil, err
	}
	aggregated := AggregateTransferLines(lines)

	release := utils.ScopeLock(ctx, "pool", "incoming.go", "CreateIncoming")
	defer release()

	tx := db.WithContext(ctx).Begin()

	productIds := make([]int, 0, len(aggregated))
	for _, line := range aggregated {
		productIds = append(productIds, line.ProductId)
	}
	pool, err := LockPoolProducts(tx, productIds)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, line := range aggregated {
		if err := creditPool(tx, pool[line.ProductId], line.Quantity); err != nil {
			tx.Rollback()
			return nil, storageError(ctx, "incoming.go", "CreateIncoming", err)
		}
	}

	incoming := Incoming{
		CreatedByAdminId: adminId,
	}
	for _, item := range input.Items {
		incoming.Items = append(incoming.Items, IncomingItem{
			ProductId:   item.ProductId,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
		})
	}
	if err := tx.Create(&incoming).Error; err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "incoming.go", "CreateIncoming", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError(ctx, "incoming.go", "CreateIncoming", err)
	}
	return &incoming, nil
}

func ListIncoming(ctx context.Context) ([]*Incoming, error) {
	db := config.GetDB()
	var incomings []*Incoming
	err := db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Find(&incomings).Error
	if err != nil {
		return nil, err
	}
	return incomings, nil
}

func GetIncomingDetail(ctx context.Context, id int) (*IncomingInfo, error) {
	db := config.GetDB()

	incoming, err := utils.FetchModel[Incoming](ctx, id)
	if err != nil {
		return nil, utils.NewNotFoundError("incoming not found")
	}

	var items []IncomingItemInfo
	err = db.WithContext(ctx).
		Model(&IncomingItem{}).
		Select("incoming_items.product_id, products.name AS product_name, incoming_items.quantity, incoming_items.price_at_time").
		Joins("LEFT JOIN products ON products.id = incoming_items.product_id").
		Where("incoming_items.incoming_id = ?", id).
		Order("incoming_items.id ASC").
		Scan(&items).Error
	if err != nil {
		return nil, err
	}

	return &IncomingInfo{
		ID:        incoming.ID,
		CreatedAt: incoming.CreatedAt,
		Items:     items,
	}, nil
}

// storageError logs the driver error and hands the caller the generic kind.
func storageError(ctx context.Context, moduleName string, funcName string, err error) error {
	logger := config.GetLogger()
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	config.LogError(logger, moduleName, funcName, correlationId, nil, err)
	return utils.NewStorageError()
}
