package api

import (
	"net/http"

	"KeyCompare/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RunHandler 对比任务查询接口
type RunHandler struct {
	runService *service.RunService
	logger     *logrus.Logger
}

// NewRunHandler 创建 RunHandler
func NewRunHandler(runService *service.RunService, logger *logrus.Logger) *RunHandler {
	return &RunHandler{
		runService: runService,
		logger:     logger,
	}
}

// GetRun 对比任务详情
// GET /api/runs/:run_id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}

	run, err := h.runService.GetRun(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("GetRun failed")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// ListCombinations 列组合概览：matched / only_a / only_b / neither，各自按列名字母序
// GET /api/runs/:run_id/combinations
func (h *RunHandler) ListCombinations(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}

	result, err := h.runService.Classification(c.Request.Context(), runID)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", runID).Error("ListCombinations failed")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
