package mappers

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/persistence/models"
	"github.com/orris-inc/meshnode/internal/shared/mapper"
)

type InstalledNodeMapper interface {
	ToEntity(model *models.InstalledNodeModel) (*node.InstalledNode, error)
	ToModel(entity *node.InstalledNode) (*models.InstalledNodeModel, error)
	ToEntities(models []*models.InstalledNodeModel) ([]*node.InstalledNode, error)
}

type InstalledNodeMapperImpl struct{}

func NewInstalledNodeMapper() InstalledNodeMapper {
	return &InstalledNodeMapperImpl{}
}

func (m *InstalledNodeMapperImpl) ToEntity(model *models.InstalledNodeModel) (*node.InstalledNode, error) {
	if model == nil {
		return nil, nil
	}

	var info map[string]any
	if len(model.Info) > 0 {
		if err := json.Unmarshal(model.Info, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal installed node info: %w", err)
		}
	}

	return &node.InstalledNode{
		UUID:       model.UUID,
		Name:       model.Name,
		Type:       model.NodeType,
		IP:         model.IP,
		Port:       model.Port,
		Online:     model.Online,
		LastSeenAt: model.LastSeenAt,
		Info:       info,
	}, nil
}

func (m *InstalledNodeMapperImpl) ToModel(entity *node.InstalledNode) (*models.InstalledNodeModel, error) {
	if entity == nil {
		return nil, nil
	}

	var info datatypes.JSON
	if entity.Info != nil {
		data, err := json.Marshal(entity.Info)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal installed node info: %w", err)
		}
		info = datatypes.JSON(data)
	}

	return &models.InstalledNodeModel{
		UUID:       entity.UUID,
		Name:       entity.Name,
		NodeType:   entity.Type,
		IP:         entity.IP,
		Port:       entity.Port,
		Online:     entity.Online,
		Info:       info,
		LastSeenAt: entity.LastSeenAt,
	}, nil
}

func (m *InstalledNodeMapperImpl) ToEntities(list []*models.InstalledNodeModel) ([]*node.InstalledNode, error) {
	return mapper.MapSliceWithError(list, m.ToEntity)
}
