package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// Product is the canonical catalog row for one item. Its Quantity column is
// the central pool balance; per-manager balances live in ManagerStock keyed
// by product id, so cross-scope transfers never match by name.
type Product struct {
	ID         int             `gorm:"primary_key" json:"id"`
	Name       string          `gorm:"size:100;not null;unique" json:"name" binding:"required"`
	Price      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Quantity   decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"quantity"`
	IsArchived *bool           `gorm:"not null;default:false" json:"is_archived"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewProduct and ProductUpdate carry no quantity: the pool balance moves
// only through ledger documents, so a new catalog row always starts at zero
// and reconciliation can replay every unit of stock.
type NewProduct struct {
	Name  string          `json:"name" binding:"required"`
	Price decimal.Decimal `json:"price" binding:"required"`
}

type ProductUpdate struct {
	Name       *string          `json:"name"`
	Price      *decimal.Decimal `json:"price"`
	IsArchived *bool            `json:"is_archived"`
}

func (input *NewProduct) validate(ctx context.Context) error {
	if strings.TrimSpace(input.Name) == "" {
		return utils.NewValidationError("name is required")
	}
	if !input.Price.IsPositive() {
		return utils.NewValidationError("price must be greater than zero")
	}
	if err := utils.ValidateUnique[Product](ctx, "name", input.Name, 0); err != nil {
		return err
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	db := config.GetDB()

	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	archived := false
	product := Product{
		Name:       input.Name,
		Price:      input.Price,
		IsArchived: &archived,
	}
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *ProductUpdate) (*Product, error) {
	db := config.GetDB()

	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, utils.NewNotFoundError("product not found")
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, utils.NewValidationError("name is required")
		}
		if err := utils.ValidateUnique[Product](ctx, "name", *input.Name, id); err != nil {
			return nil, err
		}
		updates["name"] = *input.Name
	}
	if input.Price != nil {
		if !input.Price.IsPositive() {
			return nil, utils.NewValidationError("price must be greater than zero")
		}
		updates["price"] = *input.Price
	}
	if input.IsArchived != nil {
		updates["is_archived"] = *input.IsArchived
	}
	if len(updates) == 0 {
		return product, nil
	}

	if err := db.WithContext(ctx).Model(product).Updates(updates).Error; err != nil {
		return nil, err
	}
	return product, nil
}

// DeleteProduct removes a catalog row, or archives it when documents already
// reference it (ledger documents are immutable, so a hard delete would orphan
// their lines).
func DeleteProduct(ctx context.Context, id int) (bool, error) {
	db := config.GetDB()

	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return false, utils.NewNotFoundError("product not found")
	}

	referenced, err := productIsReferenced(ctx, id)
	if err != nil {
		return false, err
	}
	if referenced {
		archived := true
		if err := db.WithContext(ctx).Model(product).Update("is_archived", &archived).Error; err != nil {
			return false, err
		}
		return false, nil
	}

	if err := db.WithContext(ctx).Delete(product).Error; err != nil {
		return false, err
	}
	return true, nil
}

func productIsReferenced(ctx context.Context, id int) (bool, error) {
	counts := []func() (int64, error){
		func() (int64, error) { return utils.ResourceCountWhere[IncomingItem](ctx, "product_id = ?", id) },
		func() (int64, error) { return utils.ResourceCountWhere[DispatchItem](ctx, "product_id = ?", id) },
		func() (int64, error) { return utils.ResourceCountWhere[ShopOrderItem](ctx, "product_id = ?", id) },
		func() (int64, error) { return utils.ResourceCountWhere[ShopReturnItem](ctx, "product_id = ?", id) },
		func() (int64, error) { return utils.ResourceCountWhere[ManagerReturnItem](ctx, "product_id = ?", id) },
		func() (int64, error) { return utils.ResourceCountWhere[ManagerStock](ctx, "product_id = ?", id) },
	}
	for _, count := range counts {
		n, err := count()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SearchPoolProducts lists non-archived pool catalog rows, optionally
// filtered by a name fragment.
func SearchPoolProducts(ctx context.Context, q string) ([]*Product, error) {
	db := config.GetDB()

	dbCtx := db.WithContext(ctx).
		Where("is_archived = ?", false)
	if strings.TrimSpace(q) != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+q+"%")
	}

	var products []*Product
	err := dbCtx.Order("name ASC").Limit(config.SearchLimit).Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}
