package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"KeyCompare/internal/config"
	"KeyCompare/internal/model"
	"KeyCompare/internal/service"
	"KeyCompare/internal/utils/columnkey"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CompareHandler 对比缓存接口：状态、生成、分页数据、下载
type CompareHandler struct {
	manager  *service.CacheManager
	reader   *service.Reader
	exporter *service.Exporter
	cfg      config.CacheConfig
	logger   *logrus.Logger
}

// NewCompareHandler 创建 CompareHandler
func NewCompareHandler(manager *service.CacheManager, reader *service.Reader, exporter *service.Exporter, cfg config.CacheConfig, logger *logrus.Logger) *CompareHandler {
	return &CompareHandler{
		manager:  manager,
		reader:   reader,
		exporter: exporter,
		cfg:      cfg,
		logger:   logger,
	}
}

func parseColumns(c *gin.Context) ([]string, bool) {
	cols := columnkey.Normalize(strings.Split(c.Query("columns"), ","))
	if len(cols) == 0 {
		badRequest(c, "columns is required")
		return nil, false
	}
	return cols, true
}

// timeoutClass 请求超时档位：状态查询用短超时，其余用长超时
type timeoutClass int

const (
	shortTimeout timeoutClass = iota
	longTimeout
)

func (h *CompareHandler) withTimeout(c *gin.Context, d timeoutClass) (context.Context, context.CancelFunc) {
	timeout := h.cfg.RequestTimeout
	if d == shortTimeout {
		timeout = h.cfg.StatusTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

// Status 缓存状态，只查一行；任何失败都降级为 absent，不返回错误
// GET /api/runs/:run_id/comparison/status?columns=a,b
func (h *CompareHandler) Status(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	cols, ok := parseColumns(c)
	if !ok {
		return
	}

	ctx, cancel := h.withTimeout(c, shortTimeout)
	defer cancel()
	st, err := h.manager.Status(ctx, runID, cols)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"run_id": runID, "columns": columnkey.Key(cols)}).Warn("Status degraded to absent")
		st = &model.CacheStatus{RunID: runID, ColumnsKey: columnkey.Key(cols), State: model.CacheAbsent}
	}
	c.JSON(http.StatusOK, st)
}

// Generate 同步生成，直到缓存就绪或超时；regenerate=true 时强制构建新版本
// POST /api/runs/:run_id/comparison/generate?columns=a,b&regenerate=false
func (h *CompareHandler) Generate(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	cols, ok := parseColumns(c)
	if !ok {
		return
	}
	regenerate, _ := strconv.ParseBool(c.DefaultQuery("regenerate", "false"))

	ctx, cancel := h.withTimeout(c, longTimeout)
	defer cancel()

	var (
		summary *model.Summary
		err     error
	)
	if regenerate {
		summary, err = h.manager.Regenerate(ctx, runID, cols)
	} else {
		summary, err = h.manager.Generate(ctx, runID, cols)
	}
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":     runID,
			"columns":    columnkey.Key(cols),
			"regenerate": regenerate,
		}).Error("Generate failed")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":  runID,
		"columns": summary.ColumnsKey,
		"state":   model.CacheReady,
		"version": summary.Version,
		"summary": summary,
	})
}

// Data 分页读取某分类
// GET /api/runs/:run_id/comparison/data?columns=a,b&category=only_a&offset=0&limit=100&version=0
func (h *CompareHandler) Data(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	cols, ok := parseColumns(c)
	if !ok {
		return
	}
	category := model.Category(c.DefaultQuery("category", string(model.CategoryMatched)))
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", h.cfg.DefaultPageLimit)
	if !ok {
		return
	}
	version, ok := queryInt(c, "version", 0)
	if !ok {
		return
	}

	ctx, cancel := h.withTimeout(c, longTimeout)
	defer cancel()
	page, err := h.reader.Read(ctx, runID, cols, category, offset, limit, version)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":   runID,
			"columns":  columnkey.Key(cols),
			"category": category,
			"offset":   offset,
			"limit":    limit,
		}).Warn("Data failed")
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// Download 流式导出某分类全部记录
// GET /api/runs/:run_id/comparison/download?columns=a,b&category=only_b&format=csv
func (h *CompareHandler) Download(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	cols, ok := parseColumns(c)
	if !ok {
		return
	}
	category := model.Category(c.DefaultQuery("category", string(model.CategoryMatched)))
	format, ok := service.ParseExportFormat(c.Query("format"))
	if !ok {
		badRequest(c, "unsupported format: "+c.Query("format"))
		return
	}

	// 版本与参数校验在写响应头之前完成
	openCtx, cancel := h.withTimeout(c, longTimeout)
	exp, err := h.exporter.Open(openCtx, runID, cols, category)
	cancel()
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"run_id": runID, "columns": columnkey.Key(cols), "category": category}).Warn("Download failed")
		writeError(c, err)
		return
	}

	contentType := "text/csv; charset=utf-8"
	if format == service.FormatJSONL {
		contentType = "application/x-ndjson"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="`+exp.FileName(format)+`"`)
	c.Header("X-Comparison-Version", strconv.Itoa(exp.Summary.Version))
	c.Status(http.StatusOK)

	n, err := exp.Write(c.Request.Context(), c.Writer, format)
	if err != nil {
		// 响应头已发出，只能中断连接
		_ = c.Error(err)
		c.Abort()
		return
	}
	h.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"columns":  exp.ColumnsKey,
		"category": category,
		"version":  exp.Summary.Version,
		"rows":     n,
	}).Info("download completed")
}
