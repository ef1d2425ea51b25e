package models

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	gosqlmysql "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The stock ledger is the aggregate of Product.Quantity (central pool) and
// ManagerStock.Quantity (manager scopes). Every transfer flow is built from
// the primitives here: aggregate the requested lines, lock the addressed
// rows in the order the caller supplied them, evaluate every sufficiency
// check before the first write, then debit/credit in place. Callers run all
// of it inside one transaction and roll back on any error.

// TransferLine is one requested movement of a product. Price is nil when the
// caller did not fix a price for the line.
type TransferLine struct {
	ProductId int
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
}

// AggregateTransferLines merges duplicate product lines into one required
// quantity per product before any availability check, so a request with
// duplicate lines cannot slip past a sufficiency check. First-seen order is
// preserved; the last-seen price wins.
func AggregateTransferLines(lines []TransferLine) []TransferLine {
	byProduct := make(map[int]int, len(lines))
	aggregated := make([]TransferLine, 0, len(lines))
	for _, line := range lines {
		if idx, ok := byProduct[line.ProductId]; ok {
			aggregated[idx].Quantity = aggregated[idx].Quantity.Add(line.Quantity)
			if line.Price != nil {
				aggregated[idx].Price = line.Price
			}
			continue
		}
		byProduct[line.ProductId] = len(aggregated)
		aggregated = append(aggregated, line)
	}
	return aggregated
}

// ValidateTransferLines rejects malformed line lists before any lock is
// taken.
func ValidateTransferLines(lines []TransferLine) error {
	if len(lines) == 0 {
		return utils.NewValidationError("at least one item is required")
	}
	for _, line := range lines {
		if !line.Quantity.IsPositive() {
			return utils.NewValidationError("quantity must be greater than zero")
		}
		if line.Price != nil && line.Price.IsNegative() {
			return utils.NewValidationError("price cannot be negative")
		}
	}
	return nil
}

// LockPoolProducts acquires an exclusive lock on the central-pool row of each
/// product, in the supplied order. Pool rows are canonical: a missing id is a
// not-found error, never an implicit create.
func LockPoolProducts(tx *gorm.DB, productIds []int) (map[int]*Product, error) {
	locked := make(map[int]*Product, len(productIds))
	for _, id := range productIds {
		if _, ok := locked[id]; ok {
			continue
		}
		var product Product
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&product).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, utils.NewNotFoundError(fmt.Sprintf("product %d not found in warehouse", id))
			}
			return nil, err
		}
		locked[id] = &product
	}
	return locked, nil
}

// LockManagerStocks locks a manager's balance rows for the given products, in
// the supplied order. Products the manager holds no balance for are simply
// absent from the result; the caller decides whether that is a shortage or a
// row to create.
func LockManagerStocks(tx *gorm.DB, managerId int, productIds []int, returnBin bool) (map[int]*ManagerStock, error) {
	locked := make(map[int]*ManagerStock, len(productIds))
	for _, id := range productIds {
		if _, ok := locked[id]; ok {
			continue
		}
		var stock ManagerStock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("manager_id = ? AND product_id = ? AND is_return_bin = ?", managerId, id, returnBin).
			First(&stock).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				continue
			}
			return nil, err
		}
		locked[id] = &stock
	}
	return locked, nil
}

// PoolShortages compares aggregated requirements against locked pool rows and
// returns every short product, not just the first.
func PoolShortages(lines []TransferLine, pool map[int]*Product) []utils.StockShortage {
	var shortages []utils.StockShortage
	for _, line := range lines {
		product, ok := pool[line.ProductId]
		if !ok {
			continue
		}
		if product.Quantity.LessThan(line.Quantity) {
			shortages = append(shortages, utils.StockShortage{
				ProductId:   line.ProductId,
				ProductName: product.Name,
				Requested:   line.Quantity,
				Available:   product.Quantity,
			})
		}
	}
	return shortages
}

// ManagerShortages compares aggregated requirements against locked manager
// rows. A product the manager holds no row for is short with zero available.
func ManagerShortages(lines []TransferLine, stocks map[int]*ManagerStock, names map[int]string) []utils.StockShortage {
	var shortages []utils.StockShortage
	for _, line := range lines {
		available := decimal.Zero
		if stock, ok := stocks[line.ProductId]; ok {
			available = stock.Quantity
		}
		if available.LessThan(line.Quantity) {
			shortages = append(shortages, utils.StockShortage{
				ProductId:   line.ProductId,
				ProductName: names[line.ProductId],
				Requested:   line.Quantity,
				Available:   available,
			})
		}
	}
	return shortages
}

// PoolProductNames resolves catalog names for shortage reporting without
// locking anything.
func PoolProductNames(tx *gorm.DB, productIds []int) (map[int]string, error) {
	var products []Product
	err := tx.Where("id IN ?", utils.UniqueSlice(productIds)).Find(&products).Error
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}
	return names, nil
}

/* in-place quantity mutation; rows must already be locked by the caller */

func debitPool(tx *gorm.DB, product *Product, qty decimal.Decimal) error {
	return tx.Exec("UPDATE products SET quantity = quantity - ? WHERE id = ?", qty, product.ID).Error
}

func creditPool(tx *gorm.DB, product *Product, qty decimal.Decimal) error {
	return tx.Exec("UPDATE products SET quantity = quantity + ? WHERE id = ?", qty, product.ID).Error
}

func debitManagerStock(tx *gorm.DB, stock *ManagerStock, qty decimal.Decimal) error {
	return tx.Exec("UPDATE manager_stocks SET quantity = quantity - ? WHERE id = ?", qty, stock.ID).Error
}

// creditManagerStock merges quantity into a locked manager row, creating the
// row when the scope has never held the product. The price overwrite is how
// dispatch-time prices propagate into a manager's scope.
func creditManagerStock(tx *gorm.DB, locked map[int]*ManagerStock, managerId int, productId int, qty decimal.Decimal, price decimal.Decimal, returnBin bool) error {
	if stock, ok := locked[productId]; ok {
		return tx.Exec("UPDATE manager_stocks SET quantity = quantity + ?, price = ? WHERE id = ?", qty, price, stock.ID).Error
	}
	isReturnBin := returnBin
	stock := ManagerStock{
		ManagerId:   managerId,
		ProductId:   productId,
		Quantity:    qty,
		Price:       price,
		IsReturnBin: &isReturnBin,
	}
	// the unique (manager, product, bin) index turns a create race into a
	// constraint violation that aborts the surrounding transaction
	if err := tx.Omit("Product").Create(&stock).Error; err != nil {
		if isDuplicateEntry(err) {
			return utils.NewConflictError("concurrent stock update, retry the request")
		}
		return err
	}
	return nil
}

// MySQL error 1062, duplicate entry for a unique key.
func isDuplicateEntry(err error) bool {
	var mysqlErr *gosqlmysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
