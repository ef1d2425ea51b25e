package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// Dispatch is a pool-to-manager transfer document. It is created in pending
// state without moving stock; the stock moves when the owning manager
// accepts it, which is the document's single, irreversible transition.
type Dispatch struct {
	ID         int            `gorm:"primary_key" json:"id"`
	ManagerId  int            `gorm:"index;not null" json:"manager_id"`
	Status     DispatchStatus `gorm:"type:enum('pending','sent');not null;default:'pending'" json:"status"`
	Items      []DispatchItem `gorm:"foreignKey:DispatchId" json:"items"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	AcceptedAt *time.Time     `json:"accepted_at"`
}

type DispatchItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	DispatchId int             `gorm:"index;not null" json:"dispatch_id"`
	ProductId  int             `gorm:"index;not null" json:"product_id"`
	Quantity   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"quantity"`
	Price      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
}

type NewDispatch struct {
	ManagerId int               `json:"manager_id" binding:"required"`
	Items     []NewDispatchItem `json:"items" binding:"required"`
}

type NewDispatchItem struct {
	ProductId int             `json:"product_id" binding:"required"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
	Price     decimal.Decimal `json:"price"`
}

type DispatchItemInfo struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

type DispatchInfo struct {
	ID          int                `json:"id"`
	ManagerId   int                `json:"manager_id"`
	ManagerName string             `json:"manager_name"`
	Status      DispatchStatus     `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	AcceptedAt  *time.Time         `json:"accepted_at"`
	Items       []DispatchItemInfo `json:"items"`
}

func (input *NewDispatch) transferLines() ([]TransferLine, error) {
	lines := make([]TransferLine, 0, len(input.Items))
	for _, item := range input.Items {
		price := item.Price
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

// CreateDispatch writes a pending dispatch after checking the pool can cover
// every aggregated line. Nothing is debited here; acceptance re-checks
// against the then-current pool before moving stock.
func CreateDispatch(ctx context.Context, input *NewDispatch) (*DispatchInfo, error) {
	db := config.GetDB()

	count, err := utils.ResourceCountWhere[User](ctx, "id = ? AND role = ?", input.ManagerId, UserRoleManager)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, utils.NewNotFoundError("manager not found")
	}

	lines, err := input.transferLines()
	if err != nil {
		return nil, err
	}
	aggregated := AggregateTransferLines(lines)

	tx := db.WithContext(ctx).Begin()

	pool, err := LockPoolProducts(tx, productIdsOf(aggregated))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, line := range aggregated {
		product := pool[line.ProductId]
		if product.IsArchived != nil && *product.IsArchived {
			tx.Rollback()
			return nil, utils.NewValidationError(fmt.Sprintf("product %s is archived", product.Name))
		}
	}
	if shortages := PoolShortages(aggregated, pool); len(shortages) > 0 {
		tx.Rollback()
		return nil, utils.NewShortageError(shortages)
	}

	dispatch := Dispatch{
		ManagerId: input.ManagerId,
		Status:    DispatchStatusPending,
	}
	for _, item := range input.Items {
		dispatch.Items = append(dispatch.Items, DispatchItem{
			ProductId: item.ProductId,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	if err := tx.Create(&dispatch).Error; err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "dispatch.go", "CreateDispatch", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError(ctx, "dispatch.go", "CreateDispatch", err)
	}

	return composeDispatch(ctx, dispatch.ID)
}

// AcceptDispatch performs the pending -> sent transition for the owning
// manager: re-lock the current pool rows, re-check sufficiency, debit the
// pool, credit the manager scope at the dispatch-line price, and stamp the
// document, all in one transaction. A non-pending dispatch is rejected
// without touching stock.
func AcceptDispatch(ctx context.Context, dispatchId int) (*DispatchInfo, error) {
	db := config.GetDB()

	managerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.NewAuthorizationError("user is required")
	}

	dispatch, err := utils.FetchModel[Dispatch](ctx, dispatchId, "Items")
	if err != nil {
		return nil, utils.NewNotFoundError("dispatch not found")
	}
	if dispatch.ManagerId != managerId {
		return nil, utils.NewAuthorizationError("no access to this dispatch")
	}
	if dispatch.Status != DispatchStatusPending {
		return nil, utils.NewConflictError("dispatch already processed")
	}
	if len(dispatch.Items) == 0 {
		return nil, utils.NewValidationError("dispatch has no items")
	}

	releasePool := utils.ScopeLock(ctx, "pool", "dispatch.go", "AcceptDispatch")
	defer releasePool()
	release := utils.ScopeLock(ctx, fmt.Sprintf("manager:%d", managerId), "dispatch.go", "AcceptDispatch")
	defer release()

	tx := db.WithContext(ctx).Begin()

	// guard against a concurrent accept that won the race after the read above
	var current Dispatch
	if err := lockDispatchRow(tx, dispatchId, &current); err != nil {
		tx.Rollback()
		return nil, err
	}
	if current.Status != DispatchStatusPending {
		tx.Rollback()
		return nil, utils.NewConflictError("dispatch already processed")
	}

	if err := applyDispatchAccept(tx, dispatch); err != nil {
		tx.Rollback()
		return nil, err
	}

	acceptedAt := time.Now().UTC()
	err = tx.Model(&Dispatch{}).
		Where("id = ?", dispatchId).
		Updates(map[string]interface{}{
			"status":      DispatchStatusSent,
			"accepted_at": acceptedAt,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, storageError(ctx, "dispatch.go", "AcceptDispatch", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError(ctx, "dispatch.go", "AcceptDispatch", err)
	}

	return composeDispatch(ctx, dispatchId)
}

type DispatchFilter struct {
	ManagerId int
	Status    string
}

func ListDispatches(ctx context.Context, filter DispatchFilter) ([]*DispatchInfo, error) {
	db := config.GetDB()

	role, _ := utils.GetRoleFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)

	dbCtx := db.WithContext(ctx).Model(&Dispatch{})
	if role == string(UserRoleManager) {
		dbCtx = dbCtx.Where("manager_id = ?", userId)
	} else if filter.ManagerId > 0 {
		dbCtx = dbCtx.Where("manager_id = ?", filter.ManagerId)
	}
	if filter.Status != "" {
		status, err := ParseDispatchStatus(filter.Status)
		if err != nil {
			return nil, utils.NewValidationError("invalid dispatch status")
		}
		dbCtx = dbCtx.Where("status = ?", status)
	}

	var dispatches []Dispatch
	err := dbCtx.Preload("Items").
		Order("created_at DESC, id DESC").
		Find(&dispatches).Error
	if err != nil {
		return nil, err
	}

	infos := make([]*DispatchInfo, 0, len(dispatches))
	for i := range dispatches {
		info, err := composeDispatchInfo(ctx, &dispatches[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func GetDispatch(ctx context.Context, id int) (*DispatchInfo, error) {
	info, err := composeDispatch(ctx, id)
	if err != nil {
		return nil, err
	}

	role, _ := utils.GetRoleFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)
	if role == string(UserRoleManager) && info.ManagerId != userId {
		return nil, utils.NewAuthorizationError("no access to this dispatch")
	}
	return info, nil
}

func composeDispatch(ctx context.Context, id int) (*DispatchInfo, error) {
	dispatch, err := utils.FetchModel[Dispatch](ctx, id, "Items")
	if err != nil {
		return nil, utils.NewNotFoundError("dispatch not found")
	}
	return composeDispatchInfo(ctx, dispatch)
}

func composeDispatchInfo(ctx context.Context, dispatch *Dispatch) (*DispatchInfo, error) {
	db := config.GetDB()

	names, err := PoolProductNames(db.WithContext(ctx), dispatchProductIds(dispatch))
	if err != nil {
		return nil, err
	}

	var manager User
	managerName := ""
	if err := db.WithContext(ctx).First(&manager, dispatch.ManagerId).Error; err == nil {
		managerName = manager.FullName
		if managerName == "" {
			managerName = manager.Username
		}
	}

	info := DispatchInfo{
		ID:          dispatch.ID,
		ManagerId:   dispatch.ManagerId,
		ManagerName: managerName,
		Status:      dispatch.Status,
		CreatedAt:   dispatch.CreatedAt,
		AcceptedAt:  dispatch.AcceptedAt,
	}
	for _, item := range dispatch.Items {
		info.Items = append(info.Items, DispatchItemInfo{
			ProductId:   item.ProductId,
			ProductName: names[item.ProductId],
			Quantity:    item.Quantity,
			Price:       item.Price,
		})
	}
	return &info, nil
}

func dispatchProductIds(dispatch *Dispatch) []int {
	ids := make([]int, 0, len(dispatch.Items))
	for _, item := range dispatch.Items {
		ids = append(ids, item.ProductId)
	}
	return ids
}

func productIdsOf(lines []TransferLine) []int {
	ids := make([]int, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductId)
	}
	return ids
}
