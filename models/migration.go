package models

import (
	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"github.com/sirupsen/logrus"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Product{}, &ManagerStock{},
		&Shop{},
		&Incoming{}, &IncomingItem{},
		&Dispatch{}, &DispatchItem{},
		&ShopOrder{}, &ShopOrderItem{}, &ShopOrderPayment{},
		&ShopReturn{}, &ShopReturnItem{},
		&ManagerReturn{}, &ManagerReturnItem{},
	)
	if err != nil {
		logger := config.GetLogger()
		logger.WithFields(logrus.Fields{
			"module":   "migration.go",
			"funcName": "MigrateTable",
		}).Fatal(err.Error())
	}
}
