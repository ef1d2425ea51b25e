package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err // Phone number is invalid
	}

	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}

	return nil // Phone number is valid for the specified country code
}

func ProcessValidationErrors(err error) map[string]string {

	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["request"] = err.Error()
		return errorResponse
	}

	for _, fieldErr := range validationErrors {
		errorResponse[fieldErr.Field()] = fieldErr.Tag()
	}

	return errorResponse
}

func UniqueSlice[T comparable](input []T) []T {
	seen := make(map[T]bool)
	result := []T{}
	for _, v := range input {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

// ScopeLock obtains a best-effort redis lock for a stock scope ("pool" or a
// manager id) before ledger posting. The authoritative serialization is the
// row locks taken inside the posting transaction; the redis lock only
// shortens the window two requests spend contending on those row locks, so
// an unavailable redis is downgraded to a no-op.
func ScopeLock(ctx context.Context, scope string, moduleName string, functionName string) func() {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}
	}
	lockKey := fmt.Sprintf("stockLock:%s", scope)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
	})
	if err != nil {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for scope", scope, err)
		return func() {}
	}
	return func() {
		_ = lock.Release(ctx)
	}
}
