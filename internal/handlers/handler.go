package handlers

import (
	"smartplug_control/internal/logger"
	"smartplug_control/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	hub      *Hub
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies. hub may be nil,
// in which case /ws is not served.
func NewHandler(services *service.Service, hub *Hub, log *logger.Logger) *Handler {
	return &Handler{services: services, hub: hub, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", h.health)

	h.registerAuthRoutes(router)
	h.registerAPIRoutes(router)

	// UI push channel, same port; browsers pass ?access_token=
	if h.hub != nil {
		router.GET("/ws", h.userIdMiddleware, h.wsConnect)
	}

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.userIdMiddleware)
	{
		h.registerPlugRoutes(api)
		h.registerIdleRoutes(api)
		h.registerLogRoutes(api)
		api.GET("/energy", h.getEnergy)
		api.GET("/print-costs", h.getPrintCosts)
		api.POST("/command", h.command)
	}
}

func (h *Handler) registerPlugRoutes(api *gin.RouterGroup) {
	plugs := api.Group("/plugs")
	{
		plugs.GET("", h.listPlugs)
		plugs.GET("/status", h.getStatus)
		// Body example: {"ip":"192.168.0.20"} or {"ip":"192.168.0.21/2"}
		plugs.POST("/on", h.turnOn)
		plugs.POST("/off", h.turnOff)
		plugs.POST("/status", h.checkStatus)
	}
}

func (h *Handler) registerIdleRoutes(api *gin.RouterGroup) {
	idle := api.Group("/idle")
	{
		idle.GET("", h.getIdle)
		idle.POST("/enable", h.enableIdle)
		idle.POST("/disable", h.disableIdle)
		idle.POST("/abort", h.abortIdle)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
