package models

import (
	"time"

	"gorm.io/datatypes"
)

// TableInstalledNodes is the ledger of nodes that were granted a port.
const TableInstalledNodes = "installed_nodes"

// InstalledNodeModel represents the database persistence model for the
// installed-node ledger.
type InstalledNodeModel struct {
	ID         uint   `gorm:"primarykey"`
	UUID       string `gorm:"uniqueIndex;not null;size:64"`
	Name       string `gorm:"size:100"`
	NodeType   int    `gorm:"not null;default:0;index:idx_installed_node_type"`
	IP         string `gorm:"size:64"`
	Port       int    `gorm:"not null;default:0"`
	Online     bool   `gorm:"not null;default:false;index:idx_installed_node_online"`
	Info       datatypes.JSON
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName specifies the table name for GORM
func (InstalledNodeModel) TableName() string {
	return TableInstalledNodes
}
