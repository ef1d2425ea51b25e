package utils

import (
	"context"
	"reflect"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
)

// check if id exists, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	db := config.GetDB()
	if reflect.ValueOf(exceptId).IsZero() {
		var v T
		err = db.WithContext(ctx).Model(&v).
			Where(column+" = ?", value).
			Count(&count).Error
	} else {
		var v T
		err = db.WithContext(ctx).Model(&v).
			Where(column+" = ?", value).
			Where("id != ?", exceptId).
			Count(&count).Error
	}
	if err != nil {
		return err
	}
	if count > 0 {
		return NewValidationError(column + " already exists")
	}
	return nil
}

func ResourceCountWhere[T any](ctx context.Context, cond string, values ...interface{}) (int64, error) {
	db := config.GetDB()
	var v T
	var count int64
	err := db.WithContext(ctx).Model(&v).Where(cond, values...).Count(&count).Error
	return count, err
}
