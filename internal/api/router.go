package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册业务路由
func RegisterRoutes(r *gin.Engine, runHandler *RunHandler, compareHandler *CompareHandler) {
	apiGroup := r.Group("/api")
	{
		runs := apiGroup.Group("/runs/:run_id")
		runs.GET("", runHandler.GetRun)
		runs.GET("/combinations", runHandler.ListCombinations)

		comparison := runs.Group("/comparison")
		comparison.GET("/status", compareHandler.Status)
		comparison.POST("/generate", compareHandler.Generate)
		comparison.GET("/data", compareHandler.Data)
		comparison.GET("/download", compareHandler.Download)
	}
}
