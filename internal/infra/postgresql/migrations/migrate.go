package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			// users is owned by the account service; only make sure the columns we read exist.
			ID: "000001_ensure_users_notification_columns",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.UserModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},
		createNotificationQueueTable(),
		createNotificationAttemptsTable(),
		createDispatchRunsTable(),
	})

	return m.Migrate()
}
