package database

import (
	"fmt"

	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
	"gorm.io/gorm"
)

// requiredIndexes are the indexes settlement correctness depends on.
var requiredIndexes = []struct {
	model any
	name  string
}{
	{&models.Payment{}, "idx_payments_transaction_id"},
	{&models.Payment{}, "idx_payments_active_key"},
	{&models.Payment{}, "idx_payments_status_created_at"},
	{&models.Enrollment{}, "idx_enrollments_payer_product"},
}

// Migrate creates or updates the settlement tables and checks that the
// unique and sweep indexes exist.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Payment{},
		&models.Enrollment{},
		&models.CoursePrice{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	migrator := db.Migrator()
	for _, idx := range requiredIndexes {
		if !migrator.HasIndex(idx.model, idx.name) {
			return fmt.Errorf("missing index %s after migration", idx.name)
		}
		utils.InfoLogger.Debugf("Index verified: %s", idx.name)
	}

	utils.InfoLogger.Println("Schema migration completed.")
	return nil
}
