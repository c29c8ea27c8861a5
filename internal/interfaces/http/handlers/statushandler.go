// Package handlers serves the local status API of a master node.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	"github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/utils"
)

// NodeView is the read side of a running master.
type NodeView interface {
	Status() dto.NodeStatusResponse
	LocalNodes() []node.Descriptor
}

type StatusHandler struct {
	view   NodeView
	logger logger.Interface
}

func NewStatusHandler(view NodeView, log logger.Interface) *StatusHandler {
	return &StatusHandler{view: view, logger: log}
}

// GetStatus reports the node state.
// GET /api/v1/status
func (h *StatusHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "", h.view.Status())
}

// ListNodes reports the peers connected to this master.
// GET /api/v1/nodes
func (h *StatusHandler) ListNodes(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "", dto.LocalNodesResponse{Nodes: h.view.LocalNodes()})
}
