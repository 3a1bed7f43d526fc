package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tablehq/sheetserve/internal/common"
	"github.com/tablehq/sheetserve/internal/config"
	"github.com/tablehq/sheetserve/internal/convert"
	"github.com/tablehq/sheetserve/internal/httpapi/handlers"
	"github.com/tablehq/sheetserve/internal/httpapi/middleware"
	"github.com/tablehq/sheetserve/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, svc *convert.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rds, svc)

	r.GET("/ping", h.Ping)

	// accounts
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Conversions (JWT required)
	authGroup.POST("/conversions", h.CreateConversion)
	authGroup.GET("/conversions", h.ListConversions)
	authGroup.GET("/conversions/:id", h.GetConversion)
	authGroup.GET("/conversions/:id/status", h.GetConversionStatus)
	authGroup.GET("/conversions/:id/download", h.DownloadConversion)

	return r
}
