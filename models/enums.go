package models

import "errors"

type UserRole string

const (
	UserRoleAdmin   UserRole = "admin"
	UserRoleManager UserRole = "manager"
)

func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(s) {
	case UserRoleAdmin:
		return UserRoleAdmin, nil
	case UserRoleManager:
		return UserRoleManager, nil
	}
	return "", errors.New("invalid user role")
}

type DispatchStatus string

const (
	DispatchStatusPending DispatchStatus = "pending"
	DispatchStatusSent    DispatchStatus = "sent"
)

func ParseDispatchStatus(s string) (DispatchStatus, error) {
	switch DispatchStatus(s) {
	case DispatchStatusPending:
		return DispatchStatusPending, nil
	case DispatchStatusSent:
		return DispatchStatusSent, nil
	}
	return "", errors.New("invalid dispatch status")
}
