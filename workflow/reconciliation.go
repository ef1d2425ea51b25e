package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"github.com/shopspring/decimal"
)

// Reconciliation replays the immutable documents into a scratch ledger and
// compares it with the live balance rows. Every ledger mutation is written
// in the same transaction as its document and the API offers no other way
// to move stock, so a non-empty mismatch list always means out-of-band
// writes to the balance tables. Read-only.

type LedgerKey struct {
	ManagerId   int
	ProductId   int
	IsReturnBin bool
}

// ComputedLedger holds document-derived balances. Pool balances are keyed
// by product id; manager balances by scope.
type ComputedLedger struct {
	Pool    map[int]decimal.Decimal
	Manager map[LedgerKey]decimal.Decimal
}

type ReconciliationMismatch struct {
	ManagerId   int             `json:"managerId"`
	ProductId   int             `json:"productId"`
	ProductName string          `json:"productName"`
	IsReturnBin bool            `json:"isReturnBin"`
	Expected    decimal.Decimal `json:"expected"`
	Actual      decimal.Decimal `json:"actual"`
}

type ReconciliationReport struct {
	CheckedProducts int                      `json:"checkedProducts"`
	CheckedScopes   int                      `json:"checkedScopes"`
	PoolMismatches  []ReconciliationMismatch `json:"poolMismatches"`
	ScopeMismatches []ReconciliationMismatch `json:"scopeMismatches"`
}

type documentMovement struct {
	ManagerId   int
	ProductId   int
	Quantity    decimal.Decimal
	IsReturnBin bool
}

// RebuildLedger derives pool and manager balances purely from documents:
// incoming credits the pool, an accepted dispatch moves pool to manager,
// a shop order debits the manager, a shop return moves regular stock into
// the bin, a manager return moves stock back to the pool.
func RebuildLedger(ctx context.Context) (*ComputedLedger, error) {
	db := config.GetDB()

	ledger := &ComputedLedger{
		Pool:    map[int]decimal.Decimal{},
		Manager: map[LedgerKey]decimal.Decimal{},
	}
	creditPool := func(productId int, qty decimal.Decimal) {
		ledger.Pool[productId] = ledger.Pool[productId].Add(qty)
	}
	moveManager := func(managerId, productId int, qty decimal.Decimal, returnBin bool) {
		key := LedgerKey{ManagerId: managerId, ProductId: productId, IsReturnBin: returnBin}
		ledger.Manager[key] = ledger.Manager[key].Add(qty)
	}

	var incoming []documentMovement
	err := db.WithContext(ctx).
		Raw(`SELECT product_id, SUM(quantity) AS quantity
		     FROM incoming_items GROUP BY product_id`).
		Scan(&incoming).Error
	if err != nil {
		return nil, err
	}
	for _, m := range incoming {
		creditPool(m.ProductId, m.Quantity)
	}

	var dispatched []documentMovement
	err = db.WithContext(ctx).
		Raw(`SELECT d.manager_id, di.product_id, SUM(di.quantity) AS quantity
		     FROM dispatch_items di
		     JOIN dispatches d ON d.id = di.dispatch_id
		     WHERE d.status = 'sent'
		     GROUP BY d.manager_id, di.product_id`).
		Scan(&dispatched).Error
	if err != nil {
		return nil, err
	}
	for _, m := range dispatched {
		creditPool(m.ProductId, m.Quantity.Neg())
		moveManager(m.ManagerId, m.ProductId, m.Quantity, false)
	}

	var ordered []documentMovement
	err = db.WithContext(ctx).
		Raw(`SELECT so.manager_id, soi.product_id, SUM(soi.quantity) AS quantity
		     FROM shop_order_items soi
		     JOIN shop_orders so ON so.id = soi.order_id
		     GROUP BY so.manager_id, soi.product_id`).
		Scan(&ordered).Error
	if err != nil {
		return nil, err
	}
	for _, m := range ordered {
		moveManager(m.ManagerId, m.ProductId, m.Quantity.Neg(), false)
	}

	var shopReturns []documentMovement
	err = db.WithContext(ctx).
		Raw(`SELECT sr.manager_id, sri.product_id, SUM(sri.quantity) AS quantity
		     FROM shop_return_items sri
		     JOIN shop_returns sr ON sr.id = sri.return_id
		     GROUP BY sr.manager_id, sri.product_id`).
		Scan(&shopReturns).Error
	if err != nil {
		return nil, err
	}
	for _, m := range shopReturns {
		moveManager(m.ManagerId, m.ProductId, m.Quantity.Neg(), false)
		moveManager(m.ManagerId, m.ProductId, m.Quantity, true)
	}

	var managerReturns []documentMovement
	err = db.WithContext(ctx).
		Raw(`SELECT mr.manager_id, mri.product_id, mri.from_return_bin AS is_return_bin,
		            SUM(mri.quantity) AS quantity
		     FROM manager_return_items mri
		     JOIN manager_returns mr ON mr.id = mri.return_id
		     GROUP BY mr.manager_id, mri.product_id, mri.from_return_bin`).
		Scan(&managerReturns).Error
	if err != nil {
		return nil, err
	}
	for _, m := range managerReturns {
		moveManager(m.ManagerId, m.ProductId, m.Quantity.Neg(), m.IsReturnBin)
		creditPool(m.ProductId, m.Quantity)
	}

	return ledger, nil
}

type liveBalance struct {
	ManagerId   int
	ProductId   int
	ProductName string
	Quantity    decimal.Decimal
	IsReturnBin bool
}

// RunReconciliation compares the rebuilt ledger against the live rows and
// reports every scope whose balance differs from what the documents imply.
func RunReconciliation(ctx context.Context) (*ReconciliationReport, error) {
	db := config.GetDB()

	computed, err := RebuildLedger(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		PoolMismatches:  []ReconciliationMismatch{},
		ScopeMismatches: []ReconciliationMismatch{},
	}

	var pool []liveBalance
	err = db.WithContext(ctx).
		Raw(`SELECT id AS product_id, name AS product_name, quantity FROM products`).
		Scan(&pool).Error
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for _, row := range pool {
		report.CheckedProducts++
		seen[row.ProductId] = true
		expected := computed.Pool[row.ProductId]
		if !expected.Equal(row.Quantity) {
			report.PoolMismatches = append(report.PoolMismatches, ReconciliationMismatch{
				ProductId:   row.ProductId,
				ProductName: row.ProductName,
				Expected:    expected,
				Actual:      row.Quantity,
			})
		}
	}
	for productId, expected := range computed.Pool {
		if !seen[productId] && !expected.IsZero() {
			report.PoolMismatches = append(report.PoolMismatches, ReconciliationMismatch{
				ProductId: productId,
				Expected:  expected,
				Actual:    decimal.Zero,
			})
		}
	}

	var scopes []liveBalance
	err = db.WithContext(ctx).
		Raw(`SELECT ms.manager_id, ms.product_id, products.name AS product_name,
		            ms.quantity, ms.is_return_bin
		     FROM manager_stocks ms
		     JOIN products ON products.id = ms.product_id`).
		Scan(&scopes).Error
	if err != nil {
		return nil, err
	}
	seenScope := map[LedgerKey]bool{}
	for _, row := range scopes {
		report.CheckedScopes++
		key := LedgerKey{ManagerId: row.ManagerId, ProductId: row.ProductId, IsReturnBin: row.IsReturnBin}
		seenScope[key] = true
		expected := computed.Manager[key]
		if !expected.Equal(row.Quantity) {
			report.ScopeMismatches = append(report.ScopeMismatches, ReconciliationMismatch{
				ManagerId:   row.ManagerId,
				ProductId:   row.ProductId,
				ProductName: row.ProductName,
				IsReturnBin: row.IsReturnBin,
				Expected:    expected,
				Actual:      row.Quantity,
			})
		}
	}
	for key, expected := range computed.Manager {
		if !seenScope[key] && !expected.IsZero() {
			report.ScopeMismatches = append(report.ScopeMismatches, ReconciliationMismatch{
				ManagerId:   key.ManagerId,
				ProductId:   key.ProductId,
				IsReturnBin: key.IsReturnBin,
				Expected:    expected,
				Actual:      decimal.Zero,
			})
		}
	}

	return report, nil
}
