package models

import (
	"log"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Invoice{}, &Payment{},
		&StageCompletionMapping{},
		&WebhookEvent{},
		&SweepRun{}, &SweepError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
