package httpapi

import (
	"net/http"

	"github.com/clientdesk/portal/internal/common"
	"github.com/clientdesk/portal/internal/config"
	"github.com/clientdesk/portal/internal/docs"
	"github.com/clientdesk/portal/internal/httpapi/handlers"
	"github.com/clientdesk/portal/internal/httpapi/middleware"
	"github.com/clientdesk/portal/internal/store/rabbitmq"
	"github.com/clientdesk/portal/internal/store/redisstore"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit *rabbitmq.Publisher, presigner *docs.Presigner) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, rds, rabbit, presigner)

	r.GET("/ping", h.Ping)

	v1 := r.Group("/api/v1")

	// public
	v1.POST("/captcha", h.SendCaptcha)
	v1.POST("/users", h.CreateUser)
	v1.POST("/login", h.Login)

	// JWT required
	authed := v1.Group("/")
	authed.Use(middleware.AuthRequired(cfg.JWTSecret))

	authed.GET("/me", h.Me)
	authed.GET("/users/:id", h.GetUserByID)

	// chat
	authed.POST("/chat/stream", h.StreamChat)
	authed.GET("/chat/sessions/:session_id/messages", h.ListSessionMessages)
	authed.POST("/chat/sessions", h.CreateChatSession)
	authed.POST("/chat/messages", h.SendChatMessage)
	authed.POST("/chat/messages/async", h.SendChatMessageAsync)
	authed.GET("/chat/jobs/:job_id", h.GetChatJob)

	// portal CRUD
	authed.POST("/companies", h.CreateCompany)
	authed.GET("/companies", h.ListCompanies)
	authed.GET("/companies/:id", h.GetCompany)
	authed.POST("/projects", h.CreateProject)
	authed.GET("/projects", h.ListProjects)
	authed.GET("/projects/:id", h.GetProject)
	authed.POST("/projects/:id/milestones", h.CreateMilestone)
	authed.GET("/projects/:id/milestones", h.ListMilestones)
	authed.POST("/projects/:id/events", h.CreateEvent)
	authed.GET("/projects/:id/events", h.ListEvents)

	// documents
	authed.POST("/documents/upload-url", h.CreateUploadURL)
	authed.GET("/documents", h.ListDocuments)

	return r
}
