//go:build swagger

package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// swaggerEnabled 仅在 -tags swagger 构建时为真
const swaggerEnabled = true

// registerSwaggerRoutes 注册 Swagger UI，文档数据直接取 /openapi
func registerSwaggerRoutes(engine *gin.Engine) {
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(
		swaggerFiles.Handler,
		ginSwagger.URL("/openapi"),
		ginSwagger.DocExpansion("list"),
	))
}
