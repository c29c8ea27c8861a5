package migration

import (
	"github.com/orris-inc/meshnode/internal/infrastructure/persistence/models"
)

func AutoMigrateModels() []interface{} {
	return []interface{}{
		&models.InstalledNodeModel{},
	}
}
