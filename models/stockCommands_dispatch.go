package models

import (
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lockDispatchRow takes an exclusive lock on the dispatch document itself so
// concurrent accepts serialize on the row before any stock row is touched.
func lockDispatchRow(tx *gorm.DB, dispatchId int, out *Dispatch) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", dispatchId).
		First(out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.NewNotFoundError("dispatch not found")
		}
		return err
	}
	return nil
}

// applyDispatchAccept moves the dispatched goods from the pool into the
// manager's regular scope. Pool sufficiency is evaluated for every line
// before the first debit; a short pool aborts with the full shortage list
// and no partial movement.
func applyDispatchAccept(tx *gorm.DB, dispatch *Dispatch) error {
	lines := make([]TransferLine, 0, len(dispatch.Items))
	for _, item := range dispatch.Items {
		price := item.Price
		lines = append(lines, TransferLine{
			ProductId: item.ProductId,
			Quantity:  item.Quantity,
			Price:     &price,
		})
	}
	aggregated := AggregateTransferLines(lines)
	productIds := productIdsOf(aggregated)

	pool, err := LockPoolProducts(tx, productIds)
	if err != nil {
		return err
	}
	if shortages := PoolShortages(aggregated, pool); len(shortages) > 0 {
		return utils.NewShortageError(shortages)
	}

	stocks, err := LockManagerStocks(tx, dispatch.ManagerId, productIds, false)
	if err != nil {
		return err
	}

	for _, line := range aggregated {
		if err := debitPool(tx, pool[line.ProductId], line.Quantity); err != nil {
			return err
		}
		if err := creditManagerStock(tx, stocks, dispatch.ManagerId, line.ProductId, line.Quantity, *line.Price, false); err != nil {
			return err
		}
	}
	return nil
}
