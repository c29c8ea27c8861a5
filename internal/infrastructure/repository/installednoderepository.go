package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/persistence/mappers"
	"github.com/orris-inc/meshnode/internal/infrastructure/persistence/models"
	"github.com/orris-inc/meshnode/internal/shared/biztime"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

// InstalledNodeRepository stores the installed-node ledger with GORM.
type InstalledNodeRepository struct {
	db     *gorm.DB
	mapper mappers.InstalledNodeMapper
	logger logger.Interface
}

func NewInstalledNodeRepository(db *gorm.DB, log logger.Interface) node.InstalledNodeRepository {
	return &InstalledNodeRepository{
		db:     db,
		mapper: mappers.NewInstalledNodeMapper(),
		logger: log,
	}
}

// Upsert creates the ledger entry or refreshes it by uuid.
func (r *InstalledNodeRepository) Upsert(ctx context.Context, n *node.InstalledNode) error {
	model, err := r.mapper.ToModel(n)
	if err != nil {
		return fmt.Errorf("failed to map installed node entity to model: %w", err)
	}
	if model.LastSeenAt.IsZero() {
		model.LastSeenAt = biztime.NowUTC()
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "node_type", "ip", "port", "online", "info", "last_seen_at", "updated_at"}),
	}).Create(model).Error
	if err != nil {
		r.logger.Errorw("failed to upsert installed node", "uuid", n.UUID, "error", err)
		return fmt.Errorf("failed to upsert installed node: %w", err)
	}
	return nil
}

func (r *InstalledNodeRepository) MarkOffline(ctx context.Context, uuid string) error {
	result := r.db.WithContext(ctx).
		Model(&models.InstalledNodeModel{}).
		Where("uuid = ?", uuid).
		Updates(map[string]any{"online": false, "last_seen_at": biztime.NowUTC()})
	if result.Error != nil {
		r.logger.Errorw("failed to mark installed node offline", "uuid", uuid, "error", result.Error)
		return fmt.Errorf("failed to mark installed node offline: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nodeErrors.NewNotFoundError("installed node not found", uuid)
	}
	return nil
}

func (r *InstalledNodeRepository) GetByUUID(ctx context.Context, uuid string) (*node.InstalledNode, error) {
	var model models.InstalledNodeModel
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get installed node: %w", err)
	}
	return r.mapper.ToEntity(&model)
}

// List returns the ledger ordered by node type and name.
func (r *InstalledNodeRepository) List(ctx context.Context) ([]*node.InstalledNode, error) {
	var list []*models.InstalledNodeModel
	if err := r.db.WithContext(ctx).Order("node_type ASC, name ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list installed nodes: %w", err)
	}
	return r.mapper.ToEntities(list)
}
