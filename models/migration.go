package models

import (
	"log"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&BillingInvoice{}, &BillingInvoiceLine{},
		&SyncRun{}, &SyncOutcomeRecord{}, &SyncDeadLetter{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
