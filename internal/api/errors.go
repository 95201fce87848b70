package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"KeyCompare/internal/model"

	"github.com/gin-gonic/gin"
)

// statusFor 业务错误分类 → HTTP 状态码
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound, model.KindCacheAbsent:
		return http.StatusNotFound
	case model.KindInvalidRange:
		return http.StatusBadRequest
	case model.KindGenerationInProgress:
		return http.StatusConflict
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// classify 把 context 超时也归为 timeout，其余非业务错误按 500 处理
func classify(err error) model.ErrorKind {
	if kind := model.KindOf(err); kind != "" {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.KindTimeout
	}
	return ""
}

func writeError(c *gin.Context, err error) {
	kind := classify(err)
	code := string(kind)
	if code == "" {
		code = "internal"
	}
	c.JSON(statusFor(kind), gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": string(model.KindInvalidRange)})
}

func parseRunID(c *gin.Context) (uint64, bool) {
	runID, err := strconv.ParseUint(c.Param("run_id"), 10, 64)
	if err != nil || runID == 0 {
		badRequest(c, "invalid run_id")
		return 0, false
	}
	return runID, true
}

// queryInt 读取整数参数，缺省时返回 def
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, "invalid "+name+": "+raw)
		return 0, false
	}
	return v, true
}
