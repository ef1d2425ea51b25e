package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Role      UserRole  `gorm:"type:enum('admin','manager');not null" json:"role"`
	FullName  string    `gorm:"size:100" json:"full_name"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewManager struct {
	Username string `json:"username" binding:"required"`
	FullName string `json:"full_name" binding:"required"`
	Password string `json:"password" binding:"required"`
	IsActive *bool  `json:"is_active"`
}

type ManagerUpdate struct {
	FullName *string `json:"full_name"`
	Password *string `json:"password"`
	IsActive *bool   `json:"is_active"`
}

type LoginInfo struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
	FullName string `json:"full_name"`
}

/*
caches:
	User:$username
	Tokens:$username (set)
*/

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {

	db := config.GetDB()

	user := User{}
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if !exists {
		err = db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error
		if err != nil {
			return nil, utils.NewAuthorizationError("incorrect username or password")
		}
		if err := config.SetRedisObject("User:"+username, &user, 0); err != nil {
			return nil, err
		}
	}

	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, utils.NewAuthorizationError("incorrect username or password")
	}
	if user.IsActive != nil && !*user.IsActive {
		return nil, utils.NewAuthorizationError("account is not active")
	}

	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		return nil, err
	}

	// token allowlist: logout and deactivation revoke sessions
	if err := config.SetRedisValue("Token:"+token, username, 0); err != nil {
		return nil, err
	}
	if err := config.AddRedisSet("Tokens:"+username, token); err != nil {
		return nil, err
	}

	return &LoginInfo{
		Token:    token,
		Username: user.Username,
		Role:     string(user.Role),
		FullName: user.FullName,
	}, nil
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	if err := config.RemoveRedisKey("Token:" + fmt.Sprint(token)); err != nil {
		return false, err
	}
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return false, errors.New("user not found")
	}
	if err := config.RemoveRedisSetMember("Tokens:"+username, token); err != nil {
		return false, err
	}
	return true, nil
}

func GetManagers(ctx context.Context) ([]*User, error) {
	db := config.GetDB()
	var managers []*User
	err := db.WithContext(ctx).
		Where("role = ?", UserRoleManager).
		Order("created_at DESC").
		Find(&managers).Error
	if err != nil {
		return nil, err
	}
	return managers, nil
}

func CreateManager(ctx context.Context, input *NewManager) (*User, error) {
	db := config.GetDB()

	if strings.TrimSpace(input.Username) == "" {
		return nil, utils.NewValidationError("username is required")
	}
	if err := utils.ValidateUnique[User](ctx, "username", input.Username, 0); err != nil {
		return nil, err
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}

	manager := User{
		Username: input.Username,
		Password: string(hashed),
		Role:     UserRoleManager,
		FullName: input.FullName,
		IsActive: &isActive,
	}
	if err := db.WithContext(ctx).Create(&manager).Error; err != nil {
		return nil, err
	}
	return &manager, nil
}

func UpdateManager(ctx context.Context, id int, input *ManagerUpdate) (*User, error) {
	db := config.GetDB()

	var manager User
	err := db.WithContext(ctx).
		Where("id = ? AND role = ?", id, UserRoleManager).
		First(&manager).Error
	if err != nil {
		return nil, utils.NewNotFoundError("manager not found")
	}

	updates := map[string]interface{}{}
	if input.FullName != nil {
		updates["full_name"] = *input.FullName
	}
	if input.IsActive != nil {
		updates["is_active"] = *input.IsActive
	}
	if input.Password != nil {
		hashed, err := utils.HashPassword(*input.Password)
		if err != nil {
			return nil, err
		}
		updates["password"] = string(hashed)
	}
	if len(updates) == 0 {
		return &manager, nil
	}

	if err := db.WithContext(ctx).Model(&manager).Updates(updates).Error; err != nil {
		return nil, err
	}
	// stale credentials must not be served from cache
	if err := config.RemoveRedisKey("User:" + manager.Username); err != nil {
		return nil, err
	}
	return &manager, nil
}
