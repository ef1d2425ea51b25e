package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
)

type Shop struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Name         string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Address      string    `gorm:"type:text" json:"address"`
	Phone        string    `gorm:"size:20" json:"phone"`
	FridgeNumber string    `gorm:"size:50" json:"fridge_number"`
	ManagerId    int       `gorm:"index;not null" json:"manager_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewShop struct {
	Name         string `json:"name" binding:"required"`
	Address      string `json:"address"`
	Phone        string `json:"phone"`
	FridgeNumber string `json:"fridge_number" binding:"required"`
}

type ShopUpdate struct {
	Name         *string `json:"name"`
	Address      *string `json:"address"`
	Phone        *string `json:"phone"`
	FridgeNumber *string `json:"fridge_number"`
}

func (input *NewShop) validate() error {
	if strings.TrimSpace(input.Name) == "" {
		return utils.NewValidationError("name is required")
	}
	if strings.TrimSpace(input.FridgeNumber) == "" {
		return utils.NewValidationError("fridge number is required")
	}
	if len(strings.TrimSpace(input.Phone)) > 0 {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return utils.NewValidationError("phone number is not valid")
		}
	}
	return nil
}

func CreateShop(ctx context.Context, input *NewShop) (*Shop, error) {
	db := config.GetDB()

	managerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.NewAuthorizationError("user is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	shop := Shop{
		Name:         input.Name,
		Address:      input.Address,
		Phone:        input.Phone,
		FridgeNumber: input.FridgeNumber,
		ManagerId:    managerId,
	}
	if err := db.WithContext(ctx).Create(&shop).Error; err != nil {
		return nil, err
	}
	return &shop, nil
}

func UpdateShop(ctx context.Context, id int, input *ShopUpdate) (*Shop, error) {
	db := config.GetDB()

	shop, err := fetchOwnedShop(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, utils.NewValidationError("name is required")
		}
		updates["name"] = *input.Name
	}
	if input.Address != nil {
		updates["address"] = *input.Address
	}
	if input.Phone != nil {
		if len(strings.TrimSpace(*input.Phone)) > 0 {
			if err := utils.ValidatePhoneNumber(*input.Phone, utils.CountryCode); err != nil {
				return nil, utils.NewValidationError("phone number is not valid")
			}
		}
		updates["phone"] = *input.Phone
	}
	if input.FridgeNumber != nil {
		if strings.TrimSpace(*input.FridgeNumber) == "" {
			return nil, utils.NewValidationError("fridge number is required")
		}
		updates["fridge_number"] = *input.FridgeNumber
	}
	if len(updates) == 0 {
		return shop, nil
	}

	if err := db.WithContext(ctx).Model(shop).Updates(updates).Error; err != nil {
		return nil, err
	}
	return shop, nil
}

func DeleteShop(ctx context.Context, id int) error {
	db := config.GetDB()

	shop, err := fetchOwnedShop(ctx, id)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Delete(shop).Error
}

// GetShops lists all shops (admin view), optionally filtered by manager.
func GetShops(ctx context.Context, managerId int) ([]*Shop, error) {
	db := config.GetDB()

	dbCtx := db.WithContext(ctx)
	if managerId > 0 {
		dbCtx = dbCtx.Where("manager_id = ?", managerId)
	}

	var shops []*Shop
	err := dbCtx.Order("created_at DESC").Find(&shops).Error
	if err != nil {
		return nil, err
	}
	return shops, nil
}

// GetMyShops lists the acting manager's shops.
func GetMyShops(ctx context.Context) ([]*Shop, error) {
	managerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.NewAuthorizationError("user is required")
	}
	return GetShops(ctx, managerId)
}

// fetchOwnedShop loads a shop and checks it belongs to the acting manager.
func fetchOwnedShop(ctx context.Context, id int) (*Shop, error) {
	managerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return nil, utils.NewAuthorizationError("user is required")
	}
	shop, err := utils.FetchModel[Shop](ctx, id)
	if err != nil {
		return nil, utils.NewNotFoundError("shop not found")
	}
	if shop.ManagerId != managerId {
		return nil, utils.NewAuthorizationError("no access to this shop")
	}
	return shop, nil
}
